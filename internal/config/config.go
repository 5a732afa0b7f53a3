// Package config loads runtime settings from the environment, an optional
// .env file and an optional config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lib/pq"
	"github.com/spf13/viper"
)

// Config holds every runtime setting.
type Config struct {
	DBDriver string
	// DatabaseDSN is ready to hand to storage.Open.
	DatabaseDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ActivityBackend    string
	AccountActionLimit int

	DownloadRoot       string
	DownloadPhoto      bool
	DownloadVideo      bool
	DownloadDocument   bool
	DownloadAudio      bool
	MaxAttachmentBytes int64
	DownloadWorkers    int
	DownloadRetries    int

	InterCallDelay time.Duration
	PageRetries    int
	CheckpointPath string

	JWTSecret string
	AdminKey  string
	HTTPAddr  string

	// Credentials maps a credential id to its secret.
	Credentials map[string]string

	LogLevel  string
	LogPretty bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_driver", DefaultDBDriver)
	v.SetDefault("sqlite_path", DefaultSQLitePath)
	v.SetDefault("redis_db", 0)
	v.SetDefault("activity_backend", ActivityBackendDB)
	v.SetDefault("account_action_limit", DefaultAccountActionLimit)
	v.SetDefault("download_root", DefaultDownloadRoot)
	v.SetDefault("download_photo", true)
	v.SetDefault("download_video", true)
	v.SetDefault("download_document", true)
	v.SetDefault("download_audio", true)
	v.SetDefault("max_attachment_bytes", DefaultMaxAttachmentBytes)
	v.SetDefault("download_workers", DefaultDownloadWorkers)
	v.SetDefault("download_retries", DefaultDownloadRetries)
	v.SetDefault("inter_call_delay", DefaultInterCallDelay)
	v.SetDefault("page_retries", DefaultPageRetries)
	v.SetDefault("checkpoint_path", DefaultCheckpointPath)
	v.SetDefault("http_addr", DefaultHTTPAddr)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_pretty", false)
}

// keys lists every setting so AutomaticEnv can see variables that have no
// default and no config file entry.
var keys = []string{
	"db_driver", "database_url", "sqlite_path",
	"redis_addr", "redis_password", "redis_db",
	"activity_backend", "account_action_limit",
	"download_root", "download_photo", "download_video", "download_document", "download_audio",
	"max_attachment_bytes", "download_workers", "download_retries",
	"inter_call_delay", "page_retries", "checkpoint_path",
	"jwt_secret", "admin_key", "http_addr", "credentials",
	"log_level", "log_pretty",
}

// Load reads envFile (skipped when missing), config.yaml from the working
// directory (skipped when missing) and the environment, in increasing
// order of precedence.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from v after applying defaults and binding
// the environment.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k, strings.ToUpper(k)); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", k, err)
		}
	}

	cfg := &Config{
		DBDriver:           strings.ToLower(v.GetString("db_driver")),
		RedisAddr:          v.GetString("redis_addr"),
		RedisPassword:      v.GetString("redis_password"),
		RedisDB:            v.GetInt("redis_db"),
		ActivityBackend:    strings.ToLower(v.GetString("activity_backend")),
		AccountActionLimit: v.GetInt("account_action_limit"),
		DownloadRoot:       v.GetString("download_root"),
		DownloadPhoto:      v.GetBool("download_photo"),
		DownloadVideo:      v.GetBool("download_video"),
		DownloadDocument:   v.GetBool("download_document"),
		DownloadAudio:      v.GetBool("download_audio"),
		MaxAttachmentBytes: v.GetInt64("max_attachment_bytes"),
		DownloadWorkers:    v.GetInt("download_workers"),
		DownloadRetries:    v.GetInt("download_retries"),
		InterCallDelay:     v.GetDuration("inter_call_delay"),
		PageRetries:        v.GetInt("page_retries"),
		CheckpointPath:     v.GetString("checkpoint_path"),
		JWTSecret:          v.GetString("jwt_secret"),
		AdminKey:           v.GetString("admin_key"),
		HTTPAddr:           v.GetString("http_addr"),
		LogLevel:           v.GetString("log_level"),
		LogPretty:          v.GetBool("log_pretty"),
	}

	dsn, err := databaseDSN(cfg.DBDriver, v.GetString("database_url"), v.GetString("sqlite_path"))
	if err != nil {
		return nil, err
	}
	cfg.DatabaseDSN = dsn

	creds, err := ParseCredentials(v.GetString("credentials"))
	if err != nil {
		return nil, err
	}
	cfg.Credentials = creds

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// databaseDSN turns DATABASE_URL into a key/value DSN for postgres. A
// value that is already key/value passes through.
func databaseDSN(driver, url, sqlitePath string) (string, error) {
	switch driver {
	case "sqlite":
		return sqlitePath, nil
	case "postgres":
		if url == "" {
			return "", errors.New("config: DATABASE_URL is required for postgres")
		}
		if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
			dsn, err := pq.ParseURL(url)
			if err != nil {
				return "", fmt.Errorf("config: parse DATABASE_URL: %w", err)
			}
			return dsn, nil
		}
		return url, nil
	}
	return "", fmt.Errorf("config: unsupported DB_DRIVER %q", driver)
}

// ParseCredentials parses "id:secret,id:secret". Secrets may contain colons.
func ParseCredentials(s string) (map[string]string, error) {
	creds := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, secret, ok := strings.Cut(part, ":")
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("config: malformed credential %q", part)
		}
		if _, dup := creds[id]; dup {
			return nil, fmt.Errorf("config: duplicate credential %q", id)
		}
		creds[id] = secret
	}
	return creds, nil
}

func (c *Config) validate() error {
	switch c.ActivityBackend {
	case ActivityBackendDB:
	case ActivityBackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: ACTIVITY_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("config: unsupported ACTIVITY_BACKEND %q", c.ActivityBackend)
	}
	if c.AccountActionLimit < 1 {
		return fmt.Errorf("config: ACCOUNT_ACTION_LIMIT must be positive, got %d", c.AccountActionLimit)
	}
	if c.MaxAttachmentBytes < 0 {
		return fmt.Errorf("config: MAX_ATTACHMENT_BYTES must not be negative, got %d", c.MaxAttachmentBytes)
	}
	if c.InterCallDelay < 0 {
		return fmt.Errorf("config: INTER_CALL_DELAY must not be negative, got %s", c.InterCallDelay)
	}
	if c.DownloadWorkers < 1 {
		return fmt.Errorf("config: DOWNLOAD_WORKERS must be positive, got %d", c.DownloadWorkers)
	}
	return nil
}
