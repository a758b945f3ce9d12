package settings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/italolelis/steam_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefaults() map[string]any {
	return Defaults("/srv/downloads", "/srv/steamcmd")
}

func TestOpen_CreatesFileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	s := Open(context.Background(), path, testDefaults())

	assert.Equal(t, "/srv/downloads", s.String(KeyDownloadPath, ""))
	assert.True(t, s.Bool(KeyAnonymousLogin, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "windows", onDisk[KeyDefaultPlatform])
}

func TestOpen_MergesMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"default_platform": "linux", "custom": 3}`), 0o600))

	s := Open(context.Background(), path, testDefaults())

	assert.Equal(t, "linux", s.String(KeyDefaultPlatform, ""))
	assert.Equal(t, float64(3), s.Get("custom", nil))
	assert.True(t, s.Bool(KeyValidateFiles, false), "missing keys keep defaults")
}

func TestOpen_CorruptFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	s := Open(context.Background(), path, testDefaults())

	assert.Equal(t, "windows", s.String(KeyDefaultPlatform, ""))
}

func TestGet_Default(t *testing.T) {
	s := Open(context.Background(), filepath.Join(t.TempDir(), "settings.json"), testDefaults())

	assert.Equal(t, "fallback", s.Get("unknown", "fallback"))
	assert.Equal(t, "fallback", s.String(KeyAnonymousLogin, "fallback"), "wrong type yields default")
}

func TestSet_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	s := Open(context.Background(), path, testDefaults())
	require.NoError(t, s.Set(KeyUsername, "gaben"))

	reopened := Open(context.Background(), path, testDefaults())
	assert.Equal(t, "gaben", reopened.String(KeyUsername, ""))
}

func TestSet_FailureKeepsPreviousState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	s := Open(context.Background(), path, testDefaults())
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// Replacing the file with a directory makes the rename fail.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	err = s.Set(KeyUsername, "someone")
	require.Error(t, err)

	var perr *storage.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save", perr.Operation)
	assert.Equal(t, "", s.String(KeyUsername, "unset"))
	assert.NotEmpty(t, before)
}

func TestReset(t *testing.T) {
	s := Open(context.Background(), filepath.Join(t.TempDir(), "settings.json"), testDefaults())

	require.NoError(t, s.Update(map[string]any{KeyDefaultPlatform: "linux", KeyValidateFiles: false}))
	assert.False(t, s.Preferences().ValidateFiles)

	require.NoError(t, s.Reset())
	assert.Equal(t, "windows", s.Preferences().Platform)
	assert.True(t, s.Preferences().ValidateFiles)
}

func TestPreferences(t *testing.T) {
	s := Open(context.Background(), filepath.Join(t.TempDir(), "settings.json"), testDefaults())
	require.NoError(t, s.Update(map[string]any{
		KeyAnonymousLogin: false,
		KeyUsername:       "user",
		KeyPassword:       "pass",
	}))

	p := s.Preferences()
	assert.Equal(t, Preferences{
		DownloadPath:   "/srv/downloads",
		SteamCMDPath:   "/srv/steamcmd",
		AnonymousLogin: false,
		Username:       "user",
		Password:       "pass",
		Platform:       "windows",
		ValidateFiles:  true,
	}, p)
}
