// Package config loads service settings from an optional .env file, an optional
// YAML file named by CONFIG_FILE and the environment, in increasing priority.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverTables   = "tables"
	DriverPostgres = "postgres"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Debug      bool   `yaml:"debug"`

	StoreDriver      string        `yaml:"store_driver"`
	StorageConnStr   string        `yaml:"storage_connection_string"`
	BoardsTable      string        `yaml:"boards_table"`
	TasksTable       string        `yaml:"tasks_table"`
	DatabaseURL      string        `yaml:"database_url"`
	RedisConnStr     string        `yaml:"redis_connection_string"`
	BoardCacheTTL    time.Duration `yaml:"board_cache_ttl"`
	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl"`
	RealtimeChannel  string        `yaml:"realtime_channel"`
	UploadsDir       string        `yaml:"uploads_dir"`
	BlobContainer    string        `yaml:"blob_container"`
	PublicBaseURL    string        `yaml:"public_base_url"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
	CleanupQueue     string        `yaml:"cleanup_queue"`
	CleanupWorkers   int           `yaml:"cleanup_workers"`
	CleanupBuffer    int           `yaml:"cleanup_buffer"`
	CleanupTimeout   time.Duration `yaml:"cleanup_timeout"`
	SessionSecret    string        `yaml:"session_secret"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	SessionBuffer    int           `yaml:"session_buffer"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_interval"`
	JanitorIdleDelay time.Duration `yaml:"janitor_idle_delay"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Config {
	return Config{
		ListenAddr:       ":5000",
		StoreDriver:      DriverMemory,
		BoardsTable:      "Boards",
		TasksTable:       "Tasks",
		BoardCacheTTL:    10 * time.Minute,
		IdempotencyTTL:   24 * time.Hour,
		RealtimeChannel:  "kanban-events",
		UploadsDir:       "uploads",
		MaxUploadBytes:   10 << 20,
		CleanupWorkers:   4,
		CleanupBuffer:    256,
		CleanupTimeout:   30 * time.Second,
		SessionTTL:       24 * time.Hour,
		SessionBuffer:    64,
		HeartbeatPeriod:  25 * time.Second,
		JanitorIdleDelay: time.Second,
	}
}

// Load reads .env when present, then CONFIG_FILE, then the environment.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	env := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := env("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		c.ListenAddr = ":" + v
	}
	if v, ok := env("PORT"); ok {
		c.ListenAddr = ":" + v
	}
	if v, ok := env("LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := env("DEBUG"); ok {
		if dbg, err := strconv.ParseBool(v); err == nil {
			c.Debug = dbg
		}
	}

	strs := map[string]*string{
		"STORE_DRIVER":              &c.StoreDriver,
		"STORAGE_CONNECTION_STRING": &c.StorageConnStr,
		"BOARDS_TABLE":              &c.BoardsTable,
		"TASKS_TABLE":               &c.TasksTable,
		"DATABASE_URL":              &c.DatabaseURL,
		"REDIS_CONNECTION_STRING":   &c.RedisConnStr,
		"REALTIME_CHANNEL":          &c.RealtimeChannel,
		"UPLOADS_DIR":               &c.UploadsDir,
		"BLOB_CONTAINER":            &c.BlobContainer,
		"PUBLIC_BASE_URL":           &c.PublicBaseURL,
		"CLEANUP_QUEUE":             &c.CleanupQueue,
		"SESSION_SECRET":            &c.SessionSecret,
	}
	for key, dst := range strs {
		if v, ok := env(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CLEANUP_WORKERS": &c.CleanupWorkers,
		"CLEANUP_BUFFER":  &c.CleanupBuffer,
		"SESSION_BUFFER":  &c.SessionBuffer,
	}
	for key, dst := range ints {
		if v, ok := env(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid %s: must be a positive integer", key)
			}
			*dst = n
		}
	}
	if v, ok := env("MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return errors.New("invalid MAX_UPLOAD_BYTES: must be a positive integer")
		}
		c.MaxUploadBytes = n
	}

	durations := map[string]*time.Duration{
		"BOARD_CACHE_TTL":    &c.BoardCacheTTL,
		"IDEMPOTENCY_TTL":    &c.IdempotencyTTL,
		"CLEANUP_TIMEOUT":    &c.CleanupTimeout,
		"SESSION_TTL":        &c.SessionTTL,
		"HEARTBEAT_INTERVAL": &c.HeartbeatPeriod,
		"JANITOR_IDLE_DELAY": &c.JanitorIdleDelay,
	}
	for key, dst := range durations {
		if v, ok := env(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid %s: %q", key, v)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks that each configured backend has what it needs.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverTables:
		if c.StorageConnStr == "" || c.BoardsTable == "" || c.TasksTable == "" {
			return errors.New("missing storage config")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("missing DATABASE_URL")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}
	if (c.BlobContainer != "" || c.CleanupQueue != "") && c.StorageConnStr == "" {
		return errors.New("BLOB_CONTAINER and CLEANUP_QUEUE need STORAGE_CONNECTION_STRING")
	}
	if c.BlobContainer == "" && c.UploadsDir == "" {
		return errors.New("missing UPLOADS_DIR")
	}
	return nil
}

// RedisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
