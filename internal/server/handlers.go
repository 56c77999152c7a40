package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/morezero/crx-runtime/pkg/crxruntime"
	"github.com/morezero/crx-runtime/pkg/host"
	"github.com/morezero/crx-runtime/pkg/manifest"
)

// HealthOutput is the /health response.
type HealthOutput struct {
	Status    string       `json:"status"`
	Checks    HealthChecks `json:"checks"`
	Timestamp string       `json:"timestamp"`
}

// HealthChecks holds per-dependency results. Database is omitted when unused.
type HealthChecks struct {
	Comms    bool  `json:"comms"`
	Database *bool `json:"database,omitempty"`
}

// ExtensionSummary is one row of the /extensions listing.
type ExtensionSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	ManifestVersion int    `json:"manifestVersion"`
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/extensions", s.handleExtensions)
	mux.HandleFunc("/connections", s.handleConnections)
	mux.HandleFunc("/probe/", s.handleProbe)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{Status: "healthy", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	out.Checks.Comms = s.commsConnected != nil && s.commsConnected()
	if !out.Checks.Comms {
		out.Status = "unhealthy"
	}
	if s.db != nil {
		ok := s.db.Ping(ctx) == nil
		out.Checks.Database = &ok
		if !ok {
			out.Status = "unhealthy"
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) extensions() []ExtensionSummary {
	if s.store == nil {
		return nil
	}
	ids := s.store.IDs()
	out := make([]ExtensionSummary, 0, len(ids))
	for _, id := range ids {
		ext, ok := s.store.Get(id)
		if !ok {
			continue
		}
		out = append(out, summarize(ext))
	}
	return out
}

func summarize(ext *manifest.Extension) ExtensionSummary {
	m := ext.Manifest()
	sum := ExtensionSummary{ID: ext.ID(), Name: m.Name(), ManifestVersion: m.ManifestVersion()}
	if v, err := m.Version(); err == nil {
		sum.Version = v.String()
	}
	return sum
}

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.extensions())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	var stats []host.ConnectionStat
	if s.conns != nil {
		stats = s.conns.Snapshot()
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleProbe serves /probe/{extensionId}?kind=liveness|error-query|error-query-ts.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/probe/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	kind := crxruntime.KindLiveness
	if k := r.URL.Query().Get("kind"); k != "" {
		kind = crxruntime.MessageKind(k)
	}
	if !kind.IsControl() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown probe kind %q", kind)})
		return
	}
	if s.prober == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "prober not running"})
		return
	}

	res, err := s.prober.Probe(r.Context(), id, kind, nil)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res.Fields)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", logPrefix, err))
	}
}

// homePageTemplate is the HTML for the host home page.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Extension Host</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Extension Host</h1>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Extensions</h2>
    {{if not .Extensions}}
    <p>No extensions installed.</p>
    {{else}}
    <table>
      <thead><tr><th>ID</th><th>Name</th><th>Version</th><th>Manifest</th><th>Probe</th></tr></thead>
      <tbody>
        {{range .Extensions}}
        <tr>
          <td>{{.ID}}</td><td>{{.Name}}</td><td>{{.Version}}</td><td>v{{.ManifestVersion}}</td>
          <td><a href="/probe/{{.ID}}">liveness</a> · <a href="/probe/{{.ID}}?kind=error-query-ts">errors</a></td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Content-script connections</h2>
    {{if not .Connections}}
    <p>No content scripts have connected.</p>
    {{else}}
    <table>
      <thead><tr><th>Extension</th><th>Connections</th><th>Last tab</th><th>Last seen</th></tr></thead>
      <tbody>
        {{range .Connections}}
        <tr><td>{{.ExtensionID}}</td><td>{{.Connections}}</td><td>{{.LastTab}}</td><td>{{.LastSeen.Format "2006-01-02 15:04:05"}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

type homeData struct {
	Health      *HealthOutput
	Extensions  []ExtensionSummary
	Connections []host.ConnectionStat
}

func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Health: s.health(ctx), Extensions: s.extensions()}
		if s.conns != nil {
			data.Connections = s.conns.Snapshot()
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
