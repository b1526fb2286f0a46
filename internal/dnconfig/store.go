package dnconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const currentVersion = 1

// envelope is the versioned on-disk format, grounded on the teacher's
// internal/config/file envelope ({"version": N, "config": {...}}) but
// YAML instead of JSON (see DESIGN.md's persistance entry for why).
type envelope struct {
	Version int       `yaml:"version"`
	Config  *Document `yaml:"config"`
}

// Store loads and persists Document to a single YAML file.
type Store struct {
	path string
}

// NewStore creates a Store bound to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the configuration from disk. Returns an empty Document,
// not an error, if the file doesn't exist yet — matching the teacher's
// "Returns nil config if none exists" Store.Load contract, except a
// data node always wants a non-nil Document to range over.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var env envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if env.Version == 0 {
		return nil, fmt.Errorf("unversioned config file detected; delete %s and restart to bootstrap a fresh config", s.path)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("config file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	if env.Config == nil {
		return &Document{}, nil
	}
	return env.Config, nil
}

// Save atomically writes doc to disk via temp file + rename, with a
// round-trip validation read-back before the rename — the same
// discipline as the teacher's internal/config/file.Store.flush.
func (s *Store) Save(doc *Document) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	env := envelope{Version: currentVersion, Config: doc}
	data, err := yaml.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	check, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	var verify envelope
	if err := yaml.Unmarshal(check, &verify); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
