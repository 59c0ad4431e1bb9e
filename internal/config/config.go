package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "TASKRELAY_"

type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Database  *DatabaseConfig  `json:"database"`
	Auth      *AuthConfig      `json:"auth"`
	Presence  *PresenceConfig  `json:"presence"`
	Hub       *HubConfig       `json:"hub"`
	Rooms     *RoomsConfig     `json:"rooms"`
	Relay     *RelayConfig     `json:"relay"`
	Log       *LogConfig       `json:"log"`
}

type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	// ServiceKey authenticates producers on /api; empty disables the producer API
	ServiceKey     string   `json:"service_key"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type WebSocketConfig struct {
	AuthTimeout        time.Duration `json:"auth_timeout"`
	PingInterval       time.Duration `json:"ping_interval"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	SendBuffer         int           `json:"send_buffer"`
	MaxMessageBytes    int64         `json:"max_message_bytes"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute"`
}

type DatabaseConfig struct {
	Path           string        `json:"path"`
	Timeout        time.Duration `json:"timeout"`
	MaxConnections int           `json:"max_connections"`
}

type AuthConfig struct {
	Secret   string        `json:"secret"`
	Issuer   string        `json:"issuer"`
	TokenTTL time.Duration `json:"token_ttl"`
}

type PresenceConfig struct {
	GraceWindow   time.Duration `json:"grace_window"`
	TypingTimeout time.Duration `json:"typing_timeout"`
}

type HubConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

type RoomsConfig struct {
	Shards int `json:"shards"`
}

type RelayConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
	User          string `json:"user"`
	Password      string `json:"password"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Dir    string `json:"dir"`
}

// DefaultConfig returns production defaults. Auth.Secret is deliberately
// empty and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			AuthTimeout:        10 * time.Second,
			PingInterval:       30 * time.Second,
			ReadTimeout:        60 * time.Second,
			WriteTimeout:       10 * time.Second,
			SendBuffer:         256,
			MaxMessageBytes:    128 * 1024,
			RateLimitPerMinute: 100,
		},
		Database: &DatabaseConfig{
			Path:           "./data/taskrelay.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		Auth: &AuthConfig{
			Issuer:   "taskrelay",
			TokenTTL: 24 * time.Hour,
		},
		Presence: &PresenceConfig{
			GraceWindow:   3 * time.Second,
			TypingTimeout: 5 * time.Second,
		},
		Hub: &HubConfig{
			Workers:   8,
			QueueSize: 1024,
		},
		Rooms: &RoomsConfig{
			Shards: 32,
		},
		Relay: &RelayConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "taskrelay.room",
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Database == nil || c.Auth == nil ||
		c.Presence == nil || c.Hub == nil || c.Rooms == nil || c.Relay == nil || c.Log == nil {
		return errors.New("every configuration section is required")
	}

	// port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.AuthTimeout <= 0 {
		return fmt.Errorf("WebSocket auth timeout must be positive")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required (set %sAUTH_SECRET)", EnvPrefix)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}

	if c.Presence.GraceWindow <= 0 || c.Presence.TypingTimeout <= 0 {
		return fmt.Errorf("presence grace window and typing timeout must be positive")
	}

	if c.Hub.Workers <= 0 || c.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub workers and queue size must be positive")
	}
	if c.Rooms.Shards <= 0 {
		return fmt.Errorf("room shards must be positive")
	}

	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay URL is required when the relay is enabled")
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("log format must be text or json")
	}

	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

// LoadFromEnv returns defaults overridden by TASKRELAY_* variables
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("HTTP_HOST", &config.HTTP.Host)
	envInt("HTTP_PORT", &config.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &config.HTTP.ShutdownTimeout)
	envString("HTTP_SERVICE_KEY", &config.HTTP.ServiceKey)
	envList("HTTP_ALLOWED_ORIGINS", &config.HTTP.AllowedOrigins)

	envDuration("WEBSOCKET_AUTH_TIMEOUT", &config.WebSocket.AuthTimeout)
	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_SEND_BUFFER", &config.WebSocket.SendBuffer)
	envInt64("WEBSOCKET_MAX_MESSAGE_BYTES", &config.WebSocket.MaxMessageBytes)
	envInt("WEBSOCKET_RATE_LIMIT_PER_MINUTE", &config.WebSocket.RateLimitPerMinute)

	envString("DATABASE_PATH", &config.Database.Path)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)
	envInt("DATABASE_MAX_CONNECTIONS", &config.Database.MaxConnections)

	envString("AUTH_SECRET", &config.Auth.Secret)
	envString("AUTH_ISSUER", &config.Auth.Issuer)
	envDuration("AUTH_TOKEN_TTL", &config.Auth.TokenTTL)

	envDuration("PRESENCE_GRACE_WINDOW", &config.Presence.GraceWindow)
	envDuration("PRESENCE_TYPING_TIMEOUT", &config.Presence.TypingTimeout)

	envInt("HUB_WORKERS", &config.Hub.Workers)
	envInt("HUB_QUEUE_SIZE", &config.Hub.QueueSize)
	envInt("ROOMS_SHARDS", &config.Rooms.Shards)

	envBool("RELAY_ENABLED", &config.Relay.Enabled)
	envString("RELAY_URL", &config.Relay.URL)
	envString("RELAY_SUBJECT_PREFIX", &config.Relay.SubjectPrefix)
	envString("RELAY_USER", &config.Relay.User)
	envString("RELAY_PASSWORD", &config.Relay.Password)

	envString("LOG_LEVEL", &config.Log.Level)
	envString("LOG_FORMAT", &config.Log.Format)
	envString("LOG_DIR", &config.Log.Dir)
}

// ConfigFile is the JSON layout of a config file; durations are strings
// such as "30s".
type ConfigFile struct {
	HTTP *struct {
		Host            string   `json:"host"`
		Port            int      `json:"port"`
		ReadTimeout     string   `json:"read_timeout"`
		WriteTimeout    string   `json:"write_timeout"`
		ShutdownTimeout string   `json:"shutdown_timeout"`
		ServiceKey      string   `json:"service_key"`
		AllowedOrigins  []string `json:"allowed_origins"`
	} `json:"http"`
	WebSocket *struct {
		AuthTimeout        string `json:"auth_timeout"`
		PingInterval       string `json:"ping_interval"`
		ReadTimeout        string `json:"read_timeout"`
		WriteTimeout       string `json:"write_timeout"`
		SendBuffer         int    `json:"send_buffer"`
		MaxMessageBytes    int64  `json:"max_message_bytes"`
		RateLimitPerMinute *int   `json:"rate_limit_per_minute"`
	} `json:"websocket"`
	Database *struct {
		Path           string `json:"path"`
		Timeout        string `json:"timeout"`
		MaxConnections int    `json:"max_connections"`
	} `json:"database"`
	Auth *struct {
		Secret   string  `json:"secret"`
		Issuer   *string `json:"issuer"`
		TokenTTL string  `json:"token_ttl"`
	} `json:"auth"`
	Presence *struct {
		GraceWindow   string `json:"grace_window"`
		TypingTimeout string `json:"typing_timeout"`
	} `json:"presence"`
	Hub   *HubConfig   `json:"hub"`
	Rooms *RoomsConfig `json:"rooms"`
	Relay *RelayConfig `json:"relay"`
	Log   *LogConfig   `json:"log"`
}

func parseDuration(field, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

func setString(value string, dst *string) {
	if value != "" {
		*dst = value
	}
}

func setInt[T int | int64](value T, dst *T) {
	if value > 0 {
		*dst = value
	}
}

// LoadFromFile reads a JSON config file on top of the defaults and validates it
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var f ConfigFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	var errs []error
	if h := f.HTTP; h != nil {
		setString(h.Host, &config.HTTP.Host)
		setInt(h.Port, &config.HTTP.Port)
		errs = append(errs,
			parseDuration("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout),
			parseDuration("http.write_timeout", h.WriteTimeout, &config.HTTP.WriteTimeout),
			parseDuration("http.shutdown_timeout", h.ShutdownTimeout, &config.HTTP.ShutdownTimeout))
		setString(h.ServiceKey, &config.HTTP.ServiceKey)
		if len(h.AllowedOrigins) > 0 {
			config.HTTP.AllowedOrigins = h.AllowedOrigins
		}
	}
	if w := f.WebSocket; w != nil {
		errs = append(errs,
			parseDuration("websocket.auth_timeout", w.AuthTimeout, &config.WebSocket.AuthTimeout),
			parseDuration("websocket.ping_interval", w.PingInterval, &config.WebSocket.PingInterval),
			parseDuration("websocket.read_timeout", w.ReadTimeout, &config.WebSocket.ReadTimeout),
			parseDuration("websocket.write_timeout", w.WriteTimeout, &config.WebSocket.WriteTimeout))
		setInt(w.SendBuffer, &config.WebSocket.SendBuffer)
		setInt(w.MaxMessageBytes, &config.WebSocket.MaxMessageBytes)
		if w.RateLimitPerMinute != nil {
			config.WebSocket.RateLimitPerMinute = *w.RateLimitPerMinute
		}
	}
	if d := f.Database; d != nil {
		setString(d.Path, &config.Database.Path)
		errs = append(errs, parseDuration("database.timeout", d.Timeout, &config.Database.Timeout))
		setInt(d.MaxConnections, &config.Database.MaxConnections)
	}
	if a := f.Auth; a != nil {
		setString(a.Secret, &config.Auth.Secret)
		if a.Issuer != nil {
			config.Auth.Issuer = *a.Issuer
		}
		errs = append(errs, parseDuration("auth.token_ttl", a.TokenTTL, &config.Auth.TokenTTL))
	}
	if p := f.Presence; p != nil {
		errs = append(errs,
			parseDuration("presence.grace_window", p.GraceWindow, &config.Presence.GraceWindow),
			parseDuration("presence.typing_timeout", p.TypingTimeout, &config.Presence.TypingTimeout))
	}
	if f.Hub != nil {
		setInt(f.Hub.Workers, &config.Hub.Workers)
		setInt(f.Hub.QueueSize, &config.Hub.QueueSize)
	}
	if f.Rooms != nil {
		setInt(f.Rooms.Shards, &config.Rooms.Shards)
	}
	if r := f.Relay; r != nil {
		config.Relay.Enabled = r.Enabled
		setString(r.URL, &config.Relay.URL)
		setString(r.SubjectPrefix, &config.Relay.SubjectPrefix)
		setString(r.User, &config.Relay.User)
		setString(r.Password, &config.Relay.Password)
	}
	if l := f.Log; l != nil {
		setString(l.Level, &config.Log.Level)
		setString(l.Format, &config.Log.Format)
		setString(l.Dir, &config.Log.Dir)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid duration in %s: %w", filepath, err)
	}
	return nil
}

// LoadConfigWithPrecedence layers defaults, then the config file, then
// .env and the environment. File problems are logged and skipped so that
// environment configuration still works.
func LoadConfigWithPrecedence(filepath string) *Config {
	config := DefaultConfig()

	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			slog.Warn("ignoring config file", "path", filepath, "error", err)
			config = DefaultConfig()
		}
	}

	if err := LoadDotEnv(""); err != nil {
		slog.Warn("ignoring .env file", "error", err)
	}
	applyEnv(config)

	return config
}
