package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// DefaultSettingsPath is where the settings page persists its values.
const DefaultSettingsPath = "./data/flow_sensors.json"

// Store persists Settings as a JSON file.
type Store struct {
	path string
}

// NewStore creates a store for the JSON file at path.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultSettingsPath
	}
	return &Store{path: path}
}

// Path returns the file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the settings file. A missing file is not an error: the defaults
// are returned. Keys absent from the file keep their default values.
func (s *Store) Load() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Infof("config: no settings file at %s, using defaults", s.path)
		return Defaults(), nil
	}
	if err != nil {
		return Defaults(), &Error{Kind: LoadFailure, Path: s.path, Err: err}
	}

	settings := Defaults()
	if err := json.Unmarshal(data, &settings); err != nil {
		return Defaults(), &Error{Kind: LoadFailure, Path: s.path, Err: err}
	}
	settings.Derive()
	if err := settings.Validate(); err != nil {
		return Defaults(), &Error{Kind: LoadFailure, Path: s.path, Err: err}
	}
	log.Infof("config: loaded settings from %s: %+v", s.path, settings)
	return settings, nil
}

// Save writes the full settings file, replacing it atomically.
func (s *Store) Save(settings Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return &Error{Kind: PersistFailure, Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Kind: PersistFailure, Path: s.path, Err: fmt.Errorf("create dir: %w", err)}
	}
	tmp, err := os.CreateTemp(dir, ".flow_sensors-*.json")
	if err != nil {
		return &Error{Kind: PersistFailure, Path: s.path, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &Error{Kind: PersistFailure, Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &Error{Kind: PersistFailure, Path: s.path, Err: err}
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return &Error{Kind: PersistFailure, Path: s.path, Err: err}
	}
	log.Infof("config: settings saved to %s", s.path)
	return nil
}
