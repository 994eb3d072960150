package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. STATUSSYNC_API_BASE_URL
const EnvPrefix = "STATUSSYNC"

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Sync    SyncConfig    `yaml:"sync" mapstructure:"sync"`
	History HistoryConfig `yaml:"history" mapstructure:"history"`
	MQTT    MQTTConfig    `yaml:"mqtt" mapstructure:"mqtt"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`

	// ConfigPath is the path to the config file (not serialized)
	ConfigPath string `yaml:"-" mapstructure:"-"`
}

// ServerConfig represents the local dashboard server
type ServerConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host" mapstructure:"host"`
	Port    int    `yaml:"port" mapstructure:"port"`
	// ViewerTimeout is how long the view counts as visible after the
	// dashboard last polled it
	ViewerTimeout time.Duration `yaml:"viewer_timeout" mapstructure:"viewer_timeout"`
}

// APIConfig represents the status backend
type APIConfig struct {
	BaseURL    string        `yaml:"base_url" mapstructure:"base_url"`
	QueryPath  string        `yaml:"query_path" mapstructure:"query_path"`
	EventsPath string        `yaml:"events_path" mapstructure:"events_path"`
	WSPath     string        `yaml:"ws_path" mapstructure:"ws_path"`
	ProbePath  string        `yaml:"probe_path" mapstructure:"probe_path"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// Credentials for authenticated writes
	Token    string `yaml:"token,omitempty" mapstructure:"token"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
}

// SyncConfig represents the live sync client
type SyncConfig struct {
	Transport         string        `yaml:"transport" mapstructure:"transport"` // "sse", "websocket" or "none"
	Probe             bool          `yaml:"probe" mapstructure:"probe"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay" mapstructure:"max_reconnect_delay"`
	WatchdogPeriod    time.Duration `yaml:"watchdog_period" mapstructure:"watchdog_period"`
	StaleAfter        time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PingInterval      time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	DeviceSlice       int           `yaml:"device_slice" mapstructure:"device_slice"`
}

// HistoryConfig represents the usage history store. An empty driver
// disables it.
type HistoryConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"`
	DSN           string `yaml:"dsn" mapstructure:"dsn"`
	TopActivities int    `yaml:"top_activities" mapstructure:"top_activities"`
}

// MQTTConfig represents the MQTT mirror. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker" mapstructure:"broker"`
	ClientID    string `yaml:"client_id,omitempty" mapstructure:"client_id"`
	Username    string `yaml:"username,omitempty" mapstructure:"username"`
	Password    string `yaml:"password,omitempty" mapstructure:"password"`
	TopicPrefix string `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	QoS         int    `yaml:"qos" mapstructure:"qos"`
}

// LogConfig represents logging
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file,omitempty" mapstructure:"file"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:       true,
			Host:          "127.0.0.1",
			Port:          9011,
			ViewerTimeout: 30 * time.Second,
		},
		API: APIConfig{
			BaseURL:    "http://localhost:9010",
			QueryPath:  "/api/query",
			EventsPath: "/api/events",
			WSPath:     "/api/ws",
			ProbePath:  "/",
			Timeout:    10 * time.Second,
		},
		Sync: SyncConfig{
			Transport:         "sse",
			Probe:             true,
			ReconnectDelay:    1 * time.Second,
			MaxReconnectDelay: 30 * time.Second,
			WatchdogPeriod:    10 * time.Second,
			StaleAfter:        120 * time.Second,
			PollInterval:      5 * time.Second,
			PingInterval:      30 * time.Second,
			DeviceSlice:       20,
		},
		History: HistoryConfig{
			TopActivities: 5,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "statussync",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.viewer_timeout", d.Server.ViewerTimeout)

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.query_path", d.API.QueryPath)
	v.SetDefault("api.events_path", d.API.EventsPath)
	v.SetDefault("api.ws_path", d.API.WSPath)
	v.SetDefault("api.probe_path", d.API.ProbePath)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("api.token", d.API.Token)
	v.SetDefault("api.password", d.API.Password)

	v.SetDefault("sync.transport", d.Sync.Transport)
	v.SetDefault("sync.probe", d.Sync.Probe)
	v.SetDefault("sync.reconnect_delay", d.Sync.ReconnectDelay)
	v.SetDefault("sync.max_reconnect_delay", d.Sync.MaxReconnectDelay)
	v.SetDefault("sync.watchdog_period", d.Sync.WatchdogPeriod)
	v.SetDefault("sync.stale_after", d.Sync.StaleAfter)
	v.SetDefault("sync.poll_interval", d.Sync.PollInterval)
	v.SetDefault("sync.ping_interval", d.Sync.PingInterval)
	v.SetDefault("sync.device_slice", d.Sync.DeviceSlice)

	v.SetDefault("history.driver", d.History.Driver)
	v.SetDefault("history.dsn", d.History.DSN)
	v.SetDefault("history.top_activities", d.History.TopActivities)

	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.topic_prefix", d.MQTT.TopicPrefix)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
}

// Load reads configuration from path, or from config.yaml in the usual
// locations when path is empty. A missing search-path file means defaults.
// A .env file in the working directory and STATUSSYNC_* variables override
// file values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/statussync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks the configuration for values the client cannot run with
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || c.API.BaseURL == "" || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL)
	}

	switch c.Sync.Transport {
	case "sse", "websocket", "none":
	default:
		return fmt.Errorf("sync.transport must be sse, websocket or none, got %q", c.Sync.Transport)
	}

	durations := map[string]time.Duration{
		"api.timeout":              c.API.Timeout,
		"sync.reconnect_delay":     c.Sync.ReconnectDelay,
		"sync.max_reconnect_delay": c.Sync.MaxReconnectDelay,
		"sync.watchdog_period":     c.Sync.WatchdogPeriod,
		"sync.stale_after":         c.Sync.StaleAfter,
		"sync.poll_interval":       c.Sync.PollInterval,
		"sync.ping_interval":       c.Sync.PingInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.Sync.MaxReconnectDelay < c.Sync.ReconnectDelay {
		return fmt.Errorf("sync.max_reconnect_delay (%s) is below sync.reconnect_delay (%s)",
			c.Sync.MaxReconnectDelay, c.Sync.ReconnectDelay)
	}
	if c.Sync.DeviceSlice <= 0 {
		return fmt.Errorf("sync.device_slice must be positive, got %d", c.Sync.DeviceSlice)
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch c.History.Driver {
	case "", "mysql", "postgres":
	default:
		return fmt.Errorf("history.driver must be mysql or postgres, got %q", c.History.Driver)
	}
	if c.History.Driver != "" && c.History.DSN == "" {
		return errors.New("history.dsn is required when history.driver is set")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

// URL joins the backend base URL and path
func (c *APIConfig) URL(path string) string {
	return strings.TrimSuffix(c.BaseURL, "/") + path
}

// StreamURL returns the push endpoint for the configured transport
func (c *Config) StreamURL() string {
	if c.Sync.Transport == "websocket" {
		u := c.API.URL(c.API.WSPath)
		if strings.HasPrefix(u, "https://") {
			return "wss://" + strings.TrimPrefix(u, "https://")
		}
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return c.API.URL(c.API.EventsPath)
}
