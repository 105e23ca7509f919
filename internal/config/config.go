package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Feed     FeedConfig     `yaml:"feed"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WriteWait       time.Duration `yaml:"write_wait"`        // Per-frame websocket write deadline
	MaxMessageBytes int64         `yaml:"max_message_bytes"` // Largest inbound frame accepted
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
	Path   string `yaml:"path"`
}

// FeedConfig controls how store changes reach applications
type FeedConfig struct {
	Mode          string        `yaml:"mode"` // auto, push or poll
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Collections   []string      `yaml:"collections"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"-"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			WriteWait:       10 * time.Second,
			MaxMessageBytes: 16 << 20, // base64 images travel inline
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			Path:   "drone_alerts.db",
		},
		Feed: FeedConfig{
			Mode:          "auto",
			SubjectPrefix: "relay.changes",
			PollInterval:  2 * time.Second,
			RetryDelay:    5 * time.Second,
			Collections:   []string{"alerts"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFile merges a YAML file over cfg. A missing file leaves cfg unchanged.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Load builds the configuration from defaults, an optional YAML file,
// command-line flags and environment variables, in that order.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()
	d := DefaultConfig()

	fs := pflag.NewFlagSet("drone-relay", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "Path to YAML config file")
	port := fs.StringP("port", "p", d.Server.Port, "Server port")
	host := fs.String("host", d.Server.Host, "Server host")
	token := fs.String("token", "", "Required authentication token (optional)")
	dbPath := fs.String("db", d.Database.Path, "Path to SQLite database file")
	dbDriver := fs.String("db-driver", d.Database.Driver, "SQL driver: sqlite3 or sqlite")
	natsURL := fs.String("nats-url", "", "NATS server for the push change feed")
	feedMode := fs.String("feed-mode", d.Feed.Mode, "Change feed mode: auto, push or poll")
	pollInterval := fs.Duration("poll-interval", d.Feed.PollInterval, "Polling interval when no push feed is available")
	logLevel := fs.String("log-level", d.Log.Level, "Log level")
	logPretty := fs.Bool("log-pretty", false, "Human-readable console logs")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := LoadFile(cfg, *configPath); err != nil {
			return nil, err
		}
	}

	// Flags override the file only when given explicitly
	if fs.Changed("port") {
		cfg.Server.Port = *port
	}
	if fs.Changed("host") {
		cfg.Server.Host = *host
	}
	if fs.Changed("token") {
		cfg.Auth.Token = *token
	}
	if fs.Changed("db") {
		cfg.Database.Path = *dbPath
	}
	if fs.Changed("db-driver") {
		cfg.Database.Driver = *dbDriver
	}
	if fs.Changed("nats-url") {
		cfg.Feed.NATSURL = *natsURL
	}
	if fs.Changed("feed-mode") {
		cfg.Feed.Mode = *feedMode
	}
	if fs.Changed("poll-interval") {
		cfg.Feed.PollInterval = *pollInterval
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("log-pretty") {
		cfg.Log.Pretty = *logPretty
	}

	// Override with environment variables if set
	if envPort := os.Getenv("PORT"); envPort != "" {
		cfg.Server.Port = envPort
	}
	if envHost := os.Getenv("HOST"); envHost != "" {
		cfg.Server.Host = envHost
	}
	if envToken := os.Getenv("AUTH_TOKEN"); envToken != "" {
		cfg.Auth.Token = envToken
	}
	if envDB := os.Getenv("DB_PATH"); envDB != "" {
		cfg.Database.Path = envDB
	}
	if envDriver := os.Getenv("DB_DRIVER"); envDriver != "" {
		cfg.Database.Driver = envDriver
	}
	if envNATS := os.Getenv("NATS_URL"); envNATS != "" {
		cfg.Feed.NATSURL = envNATS
	}
	if envMode := os.Getenv("FEED_MODE"); envMode != "" {
		cfg.Feed.Mode = envMode
	}
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		cfg.Log.Level = envLevel
	}

	cfg.Auth.Enabled = cfg.Auth.Token != ""

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if n, err := strconv.Atoi(c.Server.Port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("invalid server port %q", c.Server.Port)
	}
	if c.Server.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message size must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Feed.Mode {
	case "auto", "poll":
	case "push":
		if c.Feed.NATSURL == "" {
			return fmt.Errorf("feed mode push requires a NATS URL")
		}
	default:
		return fmt.Errorf("unknown feed mode %q", c.Feed.Mode)
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Feed.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	if len(c.Feed.Collections) == 0 {
		return fmt.Errorf("at least one collection must be watched")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return nil
}
