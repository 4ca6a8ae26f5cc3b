// Package scaffold creates and grows ringtap projects: a manifest that
// lists the BPF programs, plus a src/ tree of C sources the build
// pipeline compiles.
package scaffold

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestName is the project file at the root of every ringtap project.
const ManifestName = "ringtap.json"

// Program is one kernel program tracked by the manifest.
type Program struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// Manifest describes a project and its programs.
type Manifest struct {
	Name     string    `json:"name"`
	Programs []Program `json:"programs"`
}

// LoadManifest reads the manifest at the root of dir.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("scaffold: read %s: %w", ManifestName, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("scaffold: parse %s: %w", ManifestName, err)
	}
	return &m, nil
}

// Save writes the manifest back to the root of dir.
func (m *Manifest) Save(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("scaffold: encode manifest: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		return fmt.Errorf("scaffold: write %s: %w", ManifestName, err)
	}
	return nil
}

// Program returns the named program entry, if present.
func (m *Manifest) Program(name string) (Program, bool) {
	for _, p := range m.Programs {
		if p.Name == name {
			return p, true
		}
	}
	return Program{}, false
}

// Sources lists the source files of one program, relative paths resolved
// against dir.
func (m *Manifest) Sources(dir, program string) ([]string, error) {
	p, ok := m.Program(program)
	if !ok {
		return nil, fmt.Errorf("scaffold: project has no program %q", program)
	}
	return []string{filepath.Join(dir, p.Source)}, nil
}
