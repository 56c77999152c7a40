// Package manifest holds extension manifests and the data source the runtime
// reads them from.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/morezero/crx-runtime/pkg/commsutil"
)

const logPrefix = "manifest:manifest"

// Manifest is a decoded manifest.json. It is never handed out directly:
// callers get deep copies through CloneData.
type Manifest struct {
	data map[string]interface{}
}

// Parse decodes and validates a manifest document.
func Parse(raw []byte) (*Manifest, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%s - invalid manifest JSON: %w", logPrefix, err)
	}
	m := &Manifest{data: data}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// FromMap builds a manifest from already decoded data. data is copied.
func FromMap(data map[string]interface{}) (*Manifest, error) {
	cloned, err := commsutil.CloneValue(data)
	if err != nil {
		return nil, fmt.Errorf("%s - manifest is not serializable: %w", logPrefix, err)
	}
	m, _ := cloned.(map[string]interface{})
	if m == nil {
		m = map[string]interface{}{}
	}
	out := &Manifest{data: m}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks the fields every extension must declare.
func (m *Manifest) Validate() error {
	if m.Name() == "" {
		return fmt.Errorf("%s - manifest is missing \"name\"", logPrefix)
	}
	if _, err := m.Version(); err != nil {
		return err
	}
	switch mv := m.ManifestVersion(); mv {
	case 0, 2, 3:
	default:
		return fmt.Errorf("%s - unsupported manifest_version %d", logPrefix, mv)
	}
	return nil
}

// CloneData returns a deep, independently owned copy of the manifest.
func (m *Manifest) CloneData() map[string]interface{} {
	return deepCopyMap(m.data)
}

// Name returns the declared extension name.
func (m *Manifest) Name() string {
	s, _ := m.data["name"].(string)
	return s
}

// ManifestVersion returns manifest_version, or 0 when absent.
func (m *Manifest) ManifestVersion() int {
	f, _ := m.data["manifest_version"].(float64)
	return int(f)
}

// Version parses the manifest "version". Extension versions have one to four
// dot-separated integers; a fourth part is kept as build metadata.
func (m *Manifest) Version() (*semver.Version, error) {
	raw, _ := m.data["version"].(string)
	return ParseVersion(raw)
}

// ParseVersion parses an extension version string.
func ParseVersion(raw string) (*semver.Version, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s - manifest is missing \"version\"", logPrefix)
	}
	parts := strings.Split(raw, ".")
	if len(parts) > 4 {
		return nil, fmt.Errorf("%s - version %q has more than four parts", logPrefix, raw)
	}
	for _, p := range parts {
		if p == "" || strings.TrimLeft(p, "0123456789") != "" {
			return nil, fmt.Errorf("%s - version %q must be dot-separated integers", logPrefix, raw)
		}
	}
	normalized := strings.Join(parts[:min(len(parts), 3)], ".")
	if len(parts) == 4 {
		normalized += "+" + parts[3]
	}
	v, err := semver.NewVersion(normalized)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid version %q: %w", logPrefix, raw, err)
	}
	return v, nil
}

// MarshalJSON encodes the manifest document.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.data)
}

func deepCopyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return t
	}
}
