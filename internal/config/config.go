package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DiscordToken        string
	DiscordClientID     string
	DiscordClientSecret string
	DiscordRedirectURI  string
	AdminUserIDs        []string

	DatabaseURL string
	RedisURL    string

	APIAddr     string
	FrontendURL string
	CORSOrigins []string

	AppDir          string
	DataDir         string
	BackupDir       string
	BackupExclude   []string
	BackupRetention int
	MaxCrashes      int
	StableAfter     time.Duration
	UpdateCommand   string

	// ClearCommandsOnExit removes guild commands on shutdown.
	ClearCommandsOnExit bool

	LogLevel  string
	LogFormat string
}

// LoadDotEnv loads .env from the working directory. A missing file is not an error
// for the caller; the returned error only says why nothing was loaded.
func LoadDotEnv(path string) error {
	return godotenv.Load(path)
}

func Load() (*Config, error) {
	cfg := &Config{
		DiscordToken:        os.Getenv("DISCORD_TOKEN"),
		DiscordClientID:     os.Getenv("DISCORD_CLIENT_ID"),
		DiscordClientSecret: os.Getenv("DISCORD_CLIENT_SECRET"),
		DiscordRedirectURI:  os.Getenv("DISCORD_REDIRECT_URI"),
		AdminUserIDs:        splitList(os.Getenv("ADMIN_USER_IDS")),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		APIAddr:             getenv("API_ADDR", ":8080"),
		FrontendURL:         getenv("FRONTEND_URL", "/"),
		CORSOrigins:         splitList(getenv("CORS_ORIGINS", "http://localhost:5173")),
		AppDir:              getenv("APP_DIR", "."),
		DataDir:             getenv("DATA_DIR", "./data"),
		BackupDir:           getenv("BACKUP_DIR", "./backups"),
		BackupExclude:       splitList(getenv("BACKUP_EXCLUDE", "data,backups,logs,.git,.env")),
		UpdateCommand:       os.Getenv("UPDATE_COMMAND"),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		LogFormat:           getenv("LOG_FORMAT", "console"),
	}

	var err error
	if cfg.BackupRetention, err = intEnv("BACKUP_RETENTION", 5); err != nil {
		return nil, err
	}
	if cfg.MaxCrashes, err = intEnv("MAX_CRASHES", 3); err != nil {
		return nil, err
	}
	if cfg.StableAfter, err = durationEnv("STABLE_AFTER", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ClearCommandsOnExit, err = boolEnv("CLEAR_COMMANDS_ON_EXIT"); err != nil {
		return nil, err
	}

	if cfg.BackupRetention < 1 {
		return nil, fmt.Errorf("BACKUP_RETENTION must be at least 1, got %d", cfg.BackupRetention)
	}
	if cfg.MaxCrashes < 1 {
		return nil, fmt.Errorf("MAX_CRASHES must be at least 1, got %d", cfg.MaxCrashes)
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("LOG_FORMAT must be console or json, got %q", cfg.LogFormat)
	}
	return cfg, nil
}

// RequireBot checks the settings the run command cannot start without.
func (c *Config) RequireBot() error {
	var errs []error
	if c.DiscordToken == "" {
		errs = append(errs, errors.New("DISCORD_TOKEN is not set"))
	}
	if c.DiscordClientID != "" && (c.DiscordClientSecret == "" || c.DiscordRedirectURI == "") {
		errs = append(errs, errors.New("DISCORD_CLIENT_SECRET and DISCORD_REDIRECT_URI are required when DISCORD_CLIENT_ID is set"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsAdmin(userID string) bool {
	return userID != "" && slices.Contains(c.AdminUserIDs, userID)
}

func (c *Config) OAuthEnabled() bool {
	return c.DiscordClientID != "" && c.DiscordClientSecret != "" && c.DiscordRedirectURI != ""
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func boolEnv(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
