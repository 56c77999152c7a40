package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/morezero/crx-runtime/internal/config"
	"github.com/morezero/crx-runtime/pkg/crxruntime"
	"github.com/morezero/crx-runtime/pkg/host"
	"github.com/morezero/crx-runtime/pkg/manifest"
)

const serverTestPrefix = "server:server_test"

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error {
	return f.err
}

type fakeConns struct {
	stats []host.ConnectionStat
}

func (f *fakeConns) Snapshot() []host.ConnectionStat {
	return f.stats
}

type fakeProber struct {
	gotID   string
	gotKind crxruntime.MessageKind
	result  *host.ProbeResult
	err     error
}

func (f *fakeProber) Probe(_ context.Context, id string, kind crxruntime.MessageKind, _ interface{}) (*host.ProbeResult, error) {
	f.gotID = id
	f.gotKind = kind
	return f.result, f.err
}

// testServer returns a Server with test config and a connected NATS stub.
func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		HealthCheckTimeout: 5 * time.Second,
	}
	return &Server{cfg: cfg, commsConnected: func() bool { return true }}
}

func testStore(t *testing.T) *manifest.Store {
	t.Helper()
	store := manifest.NewStore()
	for _, id := range []string{"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"} {
		m, err := manifest.FromMap(map[string]interface{}{"name": "ext-" + id[:1], "version": "1.2.3.4", "manifest_version": 3})
		if err != nil {
			t.Fatalf("%s - FromMap: %v", serverTestPrefix, err)
		}
		store.Put(manifest.NewExtension(id, m))
	}
	return store
}

func serve(s *Server, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth_Healthy(t *testing.T) {
	s := testServer(t)
	rec := serve(s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - /health status = %d, want 200", serverTestPrefix, rec.Code)
	}
	var out HealthOutput
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s - decode: %v", serverTestPrefix, err)
	}
	if out.Status != "healthy" || !out.Checks.Comms {
		t.Errorf("%s - health = %+v, want healthy with comms", serverTestPrefix, out)
	}
	if out.Checks.Database != nil {
		t.Errorf("%s - database check should be omitted without a database", serverTestPrefix)
	}
}

func TestHealth_CommsDown(t *testing.T) {
	s := testServer(t)
	s.commsConnected = func() bool { return false }
	rec := serve(s, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - /health status = %d, want 503", serverTestPrefix, rec.Code)
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	s := testServer(t)
	s.db = &fakePinger{err: errors.New("connection refused")}
	rec := serve(s, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("%s - /health status = %d, want 503", serverTestPrefix, rec.Code)
	}
	var out HealthOutput
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s - decode: %v", serverTestPrefix, err)
	}
	if out.Checks.Database == nil || *out.Checks.Database {
		t.Errorf("%s - database check = %v, want false", serverTestPrefix, out.Checks.Database)
	}
}

func TestReady(t *testing.T) {
	rec := serve(testServer(t), "/ready")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ready") {
		t.Errorf("%s - /ready = %d %q", serverTestPrefix, rec.Code, rec.Body.String())
	}
}

func TestExtensions_SortedSummaries(t *testing.T) {
	s := testServer(t)
	s.store = testStore(t)
	rec := serve(s, "/extensions")

	var out []ExtensionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s - decode: %v", serverTestPrefix, err)
	}
	if len(out) != 2 {
		t.Fatalf("%s - got %d extensions, want 2", serverTestPrefix, len(out))
	}
	if out[0].ID != "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Errorf("%s - first id = %q, want sorted order", serverTestPrefix, out[0].ID)
	}
	if out[0].Version != "1.2.3+4" || out[0].ManifestVersion != 3 || out[0].Name != "ext-a" {
		t.Errorf("%s - summary = %+v", serverTestPrefix, out[0])
	}
}

func TestConnections(t *testing.T) {
	s := testServer(t)
	s.conns = &fakeConns{stats: []host.ConnectionStat{{ExtensionID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Connections: 3, LastTab: "7"}}}
	rec := serve(s, "/connections")

	var out []host.ConnectionStat
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s - decode: %v", serverTestPrefix, err)
	}
	if len(out) != 1 || out[0].Connections != 3 || out[0].LastTab != "7" {
		t.Errorf("%s - connections = %+v", serverTestPrefix, out)
	}
}

func TestProbe_DefaultsToLiveness(t *testing.T) {
	s := testServer(t)
	p := &fakeProber{result: &host.ProbeResult{Alive: true, Fields: map[string]interface{}{"ctrl1": true}}}
	s.prober = p

	rec := serve(s, "/probe/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - /probe status = %d, want 200", serverTestPrefix, rec.Code)
	}
	if p.gotID != "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" || p.gotKind != crxruntime.KindLiveness {
		t.Errorf("%s - probe got (%q, %q)", serverTestPrefix, p.gotID, p.gotKind)
	}
	if !strings.Contains(rec.Body.String(), `"ctrl1":true`) {
		t.Errorf("%s - body = %q, want ctrl1", serverTestPrefix, rec.Body.String())
	}
}

func TestProbe_Kinds(t *testing.T) {
	s := testServer(t)
	p := &fakeProber{result: &host.ProbeResult{Fields: map[string]interface{}{}}}
	s.prober = p

	rec := serve(s, "/probe/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa?kind=error-query-ts")
	if rec.Code != http.StatusOK || p.gotKind != crxruntime.KindErrorQueryTimestamped {
		t.Errorf("%s - kind=error-query-ts gave %d %q", serverTestPrefix, rec.Code, p.gotKind)
	}

	rec = serve(s, "/probe/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa?kind=user")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("%s - kind=user status = %d, want 400", serverTestPrefix, rec.Code)
	}
}

func TestProbe_Errors(t *testing.T) {
	s := testServer(t)
	s.prober = &fakeProber{err: context.DeadlineExceeded}
	if rec := serve(s, "/probe/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); rec.Code != http.StatusGatewayTimeout {
		t.Errorf("%s - timeout status = %d, want 504", serverTestPrefix, rec.Code)
	}

	s.prober = &fakeProber{err: errors.New("boom")}
	if rec := serve(s, "/probe/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); rec.Code != http.StatusBadGateway {
		t.Errorf("%s - failure status = %d, want 502", serverTestPrefix, rec.Code)
	}

	s.prober = nil
	if rec := serve(s, "/probe/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - no prober status = %d, want 503", serverTestPrefix, rec.Code)
	}

	if rec := serve(s, "/probe/"); rec.Code != http.StatusNotFound {
		t.Errorf("%s - empty id status = %d, want 404", serverTestPrefix, rec.Code)
	}
}

func TestHomePage(t *testing.T) {
	s := testServer(t)
	s.store = testStore(t)
	s.conns = &fakeConns{stats: []host.ConnectionStat{{ExtensionID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Connections: 1, LastSeen: time.Now()}}}

	rec := serve(s, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - / status = %d, want 200", serverTestPrefix, rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Extension Host", "ext-a", "1.2.3+4", "/probe/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "status-healthy"} {
		if !strings.Contains(body, want) {
			t.Errorf("%s - home page should contain %q", serverTestPrefix, want)
		}
	}

	if rec := serve(s, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("%s - unknown path status = %d, want 404", serverTestPrefix, rec.Code)
	}
}

func TestSetupLogging(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		SetupLogging(level)
	}
}
