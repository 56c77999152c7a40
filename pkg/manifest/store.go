package manifest

import (
	"sort"
	"strconv"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Extension is one installed extension. It is the runtime's data source.
type Extension struct {
	id       string
	manifest *Manifest
}

// NewExtension pairs an extension id with its manifest.
func NewExtension(id string, m *Manifest) *Extension {
	return &Extension{id: id, manifest: m}
}

// ID returns the extension id.
func (e *Extension) ID() string {
	return e.id
}

// Manifest returns the authoritative manifest.
func (e *Extension) Manifest() *Manifest {
	return e.manifest
}

// Store indexes extensions by id.
type Store struct {
	mu         sync.RWMutex
	extensions map[string]*Extension
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{extensions: make(map[string]*Extension)}
}

// Put adds or replaces an extension. A replacement with an older version is refused.
func (s *Store) Put(ext *Extension) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.extensions[ext.id]; ok && olderThan(ext.manifest, prev.manifest) {
		return false
	}
	s.extensions[ext.id] = ext
	return true
}

// Get returns the extension with id.
func (s *Store) Get(id string) (*Extension, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ext, ok := s.extensions[id]
	return ext, ok
}

// IDs returns the known extension ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.extensions))
	for id := range s.extensions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of extensions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.extensions)
}

func olderThan(next, prev *Manifest) bool {
	nv, err := next.Version()
	if err != nil {
		return false
	}
	pv, err := prev.Version()
	if err != nil {
		return false
	}
	if nv.Major() == pv.Major() && nv.Minor() == pv.Minor() && nv.Patch() == pv.Patch() {
		// Semver ignores build metadata, which carries the fourth version part.
		return buildNumber(nv) < buildNumber(pv)
	}
	c, err := semver.NewConstraint("< " + pv.String())
	if err != nil {
		return false
	}
	return c.Check(nv)
}

func buildNumber(v *semver.Version) uint64 {
	n, _ := strconv.ParseUint(v.Metadata(), 10, 64)
	return n
}
