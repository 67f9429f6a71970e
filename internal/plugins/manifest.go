// Package plugins loads externally hosted tools from plugin.yaml manifests
// and keeps the registry in sync as manifests change on disk.
package plugins

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

// ManifestFile is the file name looked for in each plugin directory
const ManifestFile = "plugin.yaml"

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Manifest describes one plugin and the tools it serves
type Manifest struct {
	Name        string        `yaml:"name"`
	Version     string        `yaml:"version"`
	Description string        `yaml:"description"`
	Endpoint    string        `yaml:"endpoint"`
	Timeout     time.Duration `yaml:"timeout"`
	Tools       []ToolSpec    `yaml:"tools"`
}

// ToolSpec is one tool served by a plugin. Endpoint overrides the
// plugin-level endpoint.
type ToolSpec struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Parameters  map[string]interface{} `yaml:"parameters"`
	Scope       string                 `yaml:"scope"`
	Category    string                 `yaml:"category"`
	Endpoint    string                 `yaml:"endpoint"`
}

// ParseManifest decodes and validates a manifest
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads and parses a manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Validate checks names, scopes and endpoints
func (m *Manifest) Validate() error {
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("plugin name %q must be lowercase letters, digits and underscores", m.Name)
	}
	if len(m.Tools) == 0 {
		return fmt.Errorf("plugin %s declares no tools", m.Name)
	}

	seen := make(map[string]bool)
	for _, t := range m.Tools {
		if !namePattern.MatchString(t.Name) {
			return fmt.Errorf("plugin %s: invalid tool name %q", m.Name, t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("plugin %s: duplicate tool %s", m.Name, t.Name)
		}
		seen[t.Name] = true

		if t.Scope != "" && !tools.Scope(t.Scope).Valid() {
			return fmt.Errorf("plugin %s: tool %s has invalid scope %q", m.Name, t.Name, t.Scope)
		}
		endpoint := t.Endpoint
		if endpoint == "" {
			endpoint = m.Endpoint
		}
		u, err := url.Parse(endpoint)
		if endpoint == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("plugin %s: tool %s needs an http(s) endpoint", m.Name, t.Name)
		}
	}
	return nil
}

// endpointFor resolves a tool's endpoint
func (m *Manifest) endpointFor(t ToolSpec) string {
	if t.Endpoint != "" {
		return t.Endpoint
	}
	return m.Endpoint
}
