// Package manifest loads session manifests from YAML files and turns them
// into session builders.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/simlaunch/internal/models"
	"github.com/mpataki/simlaunch/internal/session"
)

func Parse(path string) (*models.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes decodes a manifest. Unknown keys are rejected so typos in
// option or asset names do not silently fall back to defaults.
func ParseBytes(data []byte) (*models.Manifest, error) {
	var m models.Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	return &m, nil
}

// Default returns the built-in two-robot session.
func Default() *models.Manifest {
	return &models.Manifest{
		Name:        session.DefaultName,
		Description: "Two differential drive robots in one world",
		Entities:    session.DefaultEntities(),
	}
}

// LoadAll reads every manifest in dirs. Earlier directories win when two
// define the same name. Lua scripts are registered by file name and
// evaluated later.
func LoadAll(dirs []string) (map[string]*models.Manifest, error) {
	manifests := make(map[string]*models.Manifest)

	for _, dir := range dirs {
		if err := loadFromDir(dir, manifests); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return manifests, nil
}

func loadFromDir(dir string, manifests map[string]*models.Manifest) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		path := filepath.Join(dir, name)
		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)

		var m *models.Manifest
		switch ext {
		case ".yaml", ".yml":
			m, err = Parse(path)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", path, err)
			}
			// Use manifest name from file, or filename without extension
			if m.Name == "" {
				m.Name = base
			}
		case ".lua":
			m = &models.Manifest{Name: base, Script: path}
		default:
			continue
		}

		if _, exists := manifests[m.Name]; !exists {
			manifests[m.Name] = m
		}
	}

	return nil
}

// Validate checks what can be checked without composing the session.
// Entity names and option values are checked by the composer.
func Validate(m *models.Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("manifest must have a name")
	}

	if m.Script != "" {
		return nil
	}

	if len(m.Entities) == 0 {
		return fmt.Errorf("manifest %q must define at least one entity", m.Name)
	}

	for i, e := range m.Entities {
		if e.Name == "" {
			return fmt.Errorf("entity %d in manifest %q must have a name", i+1, m.Name)
		}
	}

	known := session.OptionNames()
	for name := range m.Options {
		if !contains(known, name) {
			return fmt.Errorf("manifest %q sets unknown option %q (known: %s)",
				m.Name, name, strings.Join(known, ", "))
		}
	}

	return nil
}

// Builder returns a session builder for m. Manifest assets override the
// given defaults field by field.
func Builder(m *models.Manifest, defaults models.Assets) session.Builder {
	return session.NewBuilder(m.Name, defaults.Merge(m.Assets)).
		WithEntities(m.Entities...).
		WithOverrides(m.Options)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
