// Package pluginconfig loads per-plugin manifests from General/PluginsDir:
// one <method>.plugin.toml or <method>.plugin.yaml next to each worker
// binary, declaring the method name, the worker binary to spawn, and
// the mechanisms it advertises.
package pluginconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	. "github.com/roelfdiedericks/ssod/internal/logging"
	"gopkg.in/yaml.v3"
)

// Manifest is one plugin's declared identity.
type Manifest struct {
	Method     string   `toml:"method" yaml:"method"`
	Binary     string   `toml:"binary" yaml:"binary"`
	Args       []string `toml:"args" yaml:"args"`
	Mechanisms []string `toml:"mechanisms" yaml:"mechanisms"`
	Sandbox    *bool    `toml:"sandbox" yaml:"sandbox"`
	SandboxNet bool     `toml:"sandboxNet" yaml:"sandboxNet"`
	Timeout    int      `toml:"timeoutSeconds" yaml:"timeoutSeconds"` // idle-eviction override, seconds; 0 = use daemon default
}

// LoadDir scans dir for *.plugin.toml and *.plugin.yaml manifests and
// returns one Manifest per file found. A manifest whose declared Binary
// is a relative path is resolved against dir.
func LoadDir(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("pluginconfig: read %s: %w", dir, err)
	}

	var manifests []Manifest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)

		var (
			m   Manifest
			ok  bool
			err error
		)
		switch {
		case strings.HasSuffix(name, ".plugin.toml"):
			_, err = toml.DecodeFile(path, &m)
			ok = true
		case strings.HasSuffix(name, ".plugin.yaml"), strings.HasSuffix(name, ".plugin.yml"):
			err = decodeYAMLFile(path, &m)
			ok = true
		}
		if !ok {
			continue
		}
		if err != nil {
			L_warn("pluginconfig: skipping unreadable manifest", "path", path, "err", err)
			continue
		}
		if m.Method == "" {
			L_warn("pluginconfig: manifest missing method name", "path", path)
			continue
		}
		if !filepath.IsAbs(m.Binary) {
			m.Binary = filepath.Join(dir, m.Binary)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func decodeYAMLFile(path string, m *Manifest) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, m)
}
