// Package settings is the key/value configuration store edited by users at
// runtime. It is persisted as a flat JSON document.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"

	"github.com/italolelis/steam_downloader/internal/logctx"
	"github.com/italolelis/steam_downloader/internal/storage"
)

// Keys understood by the rest of the system.
const (
	KeyDownloadPath    = "download_path"
	KeySteamCMDPath    = "steamcmd_path"
	KeyAnonymousLogin  = "anonymous_login"
	KeyUsername        = "username"
	KeyPassword        = "password"
	KeyDefaultPlatform = "default_platform"
	KeyLanguage        = "language"
	KeyMaxConcurrent   = "max_concurrent_downloads"
	KeyValidateFiles   = "validate_files"
	KeyAutoUpdate      = "auto_update"
)

// Defaults returns the default settings document. downloadPath and
// steamcmdPath seed the path keys.
func Defaults(downloadPath, steamcmdPath string) map[string]any {
	return map[string]any{
		KeyDownloadPath:    downloadPath,
		KeySteamCMDPath:    steamcmdPath,
		KeyAnonymousLogin:  true,
		KeyUsername:        "",
		KeyPassword:        "",
		KeyDefaultPlatform: "windows",
		KeyLanguage:        "english",
		KeyMaxConcurrent:   float64(1),
		KeyValidateFiles:   true,
		KeyAutoUpdate:      true,
	}
}

// Preferences is the typed view of the settings a download job needs.
type Preferences struct {
	DownloadPath   string
	SteamCMDPath   string
	AnonymousLogin bool
	Username       string
	Password       string
	Platform       string
	ValidateFiles  bool
}

// Store is a JSON-backed key/value settings store safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	path     string
	values   map[string]any
	defaults map[string]any
}

// Open loads the settings file at path. A missing file is created with the
// defaults; an unreadable or corrupt file falls back to the defaults and is
// logged, never failing the caller.
func Open(ctx context.Context, path string, defaults map[string]any) *Store {
	logger := logctx.LoggerFromContext(ctx).With("settings_path", path)

	s := &Store{
		path:     path,
		defaults: maps.Clone(defaults),
		values:   maps.Clone(defaults),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.save(s.values); err != nil {
			logger.Warn("failed to create settings file with defaults", "err", err)
		} else {
			logger.Info("created new settings file with defaults")
		}

		return s
	case err != nil:
		logger.Error("failed to read settings, using defaults", "err", err)

		return s
	}

	var loaded map[string]any
	if err := json.Unmarshal(data, &loaded); err != nil {
		logger.Error("settings file is corrupt, using defaults", "err", err)

		return s
	}

	// Keys missing from the file keep their defaults.
	maps.Copy(s.values, loaded)

	logger.Info("loaded settings", "keys", len(s.values))

	return s
}

// Get returns the value stored under key, or def when the key is absent.
func (s *Store) Get(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.values[key]; ok {
		return v
	}

	return def
}

// String returns key as a string, or def when absent or of another type.
func (s *Store) String(key, def string) string {
	if v, ok := s.Get(key, def).(string); ok {
		return v
	}

	return def
}

// Bool returns key as a bool, or def when absent or of another type.
func (s *Store) Bool(key string, def bool) bool {
	if v, ok := s.Get(key, def).(bool); ok {
		return v
	}

	return def
}

// Set stores value under key and persists the document. On a write failure
// the previous value is restored and the file is left unchanged.
func (s *Store) Set(key string, value any) error {
	return s.Update(map[string]any{key: value})
}

// Update merges values into the document in a single write.
func (s *Store) Update(values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.values)
	maps.Copy(next, values)

	if err := s.save(next); err != nil {
		return err
	}

	s.values = next

	return nil
}

// Reset restores the default document.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.defaults)
	if err := s.save(next); err != nil {
		return err
	}

	s.values = next

	return nil
}

// All returns a copy of every key/value pair.
func (s *Store) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.values)
}

// Preferences returns the typed download preferences.
func (s *Store) Preferences() Preferences {
	return Preferences{
		DownloadPath:   s.String(KeyDownloadPath, s.defaultString(KeyDownloadPath)),
		SteamCMDPath:   s.String(KeySteamCMDPath, s.defaultString(KeySteamCMDPath)),
		AnonymousLogin: s.Bool(KeyAnonymousLogin, true),
		Username:       s.String(KeyUsername, ""),
		Password:       s.String(KeyPassword, ""),
		Platform:       s.String(KeyDefaultPlatform, ""),
		ValidateFiles:  s.Bool(KeyValidateFiles, true),
	}
}

func (s *Store) defaultString(key string) string {
	v, _ := s.defaults[key].(string)

	return v
}

func (s *Store) save(values map[string]any) error {
	data, err := json.MarshalIndent(values, "", "    ")
	if err != nil {
		return &storage.PersistenceError{Operation: "encode", Path: s.path, Err: err}
	}

	// Credentials may be stored, keep the file private.
	if err := storage.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return &storage.PersistenceError{Operation: "save", Path: s.path, Err: fmt.Errorf("write settings: %w", err)}
	}

	return nil
}
