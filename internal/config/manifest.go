package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes the file set pushed by a deployment. It is read from a
// YAML file checked into the project, e.g.
//
//	files:
//	  - path: app/main.py
//	  - path: app/config.json
//	    content: '{"debug": false}'
type Manifest struct {
	Files []ManifestFile `yaml:"files"`
}

// ManifestFile is one deployable file. When Content is empty the file is read
// from disk relative to the manifest.
type ManifestFile struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content,omitempty"`
}

var ErrEmptyManifest = errors.New("manifest lists no files")

// LoadManifest parses a deploy manifest from path and reads the content of
// every file that does not inline it.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if err := m.ReadContents(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadContents fills empty Content fields from files under dir.
func (m *Manifest) ReadContents(dir string) error {
	for i := range m.Files {
		f := &m.Files[i]
		if f.Content != "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			return fmt.Errorf("manifest file %s: %w", f.Path, err)
		}
		f.Content = string(data)
	}
	return nil
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Files) == 0 {
		return nil, ErrEmptyManifest
	}
	for i, f := range m.Files {
		if strings.TrimSpace(f.Path) == "" {
			return nil, fmt.Errorf("manifest file %d: empty path", i)
		}
	}
	return &m, nil
}
