package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultEnvFile is read, when present, before the environment is processed.
const DefaultEnvFile = ".env"

// Config struct for environment variables.
type Config struct {
	DataDir      string `envconfig:"DATA_DIR" default:"data"`
	SettingsPath string `envconfig:"SETTINGS_PATH"`
	CatalogPath  string `envconfig:"CATALOG_PATH"`
	DBPath       string `envconfig:"DB_PATH"`

	DownloadRoot    string `envconfig:"DOWNLOAD_ROOT"`
	AltDownloadRoot string `envconfig:"ALT_DOWNLOAD_ROOT"`

	SteamCMDPath          string        `envconfig:"STEAMCMD_PATH"`
	SteamCMDFallbackPath  string        `envconfig:"STEAMCMD_FALLBACK_PATH"`
	SteamCMDBootstrapDeps bool          `envconfig:"STEAMCMD_BOOTSTRAP_DEPS" default:"true"`
	SteamCMDArchiveURL    string        `envconfig:"STEAMCMD_ARCHIVE_URL"`
	JobTimeout            time.Duration `envconfig:"JOB_TIMEOUT" default:"1h"`
	ProbeTimeout          time.Duration `envconfig:"PROBE_TIMEOUT" default:"30s"`
	JobRetention          int           `envconfig:"JOB_RETENTION" default:"1000"`

	KeepHistoryFor  time.Duration `envconfig:"KEEP_HISTORY_FOR" default:"720h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	TelemetryEnabled    bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
	OTLPMetricsEndpoint string `envconfig:"OTLP_METRICS_ENDPOINT"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:7860"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	if err := loadEnvFiles(DefaultEnvFile); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	cfg.resolvePaths(home, cwd)

	return &cfg, nil
}

// loadEnvFiles loads the given .env files when they exist. Variables already
// set in the environment win.
func loadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}

		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}

	return nil
}

// resolvePaths fills the paths left unset. Documents live under DataDir,
// preferred locations under the home directory and the fallbacks under the
// working directory.
func (c *Config) resolvePaths(home, cwd string) {
	setDefault(&c.SettingsPath, filepath.Join(c.DataDir, "settings.json"))
	setDefault(&c.CatalogPath, filepath.Join(c.DataDir, "catalog.json"))
	setDefault(&c.DBPath, filepath.Join(c.DataDir, "history.db"))
	setDefault(&c.DownloadRoot, filepath.Join(home, "steam_downloads"))
	setDefault(&c.SteamCMDPath, filepath.Join(home, "steamcmd"))
	setDefault(&c.AltDownloadRoot, filepath.Join(cwd, "downloads"))
	setDefault(&c.SteamCMDFallbackPath, filepath.Join(cwd, "steamcmd"))
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
