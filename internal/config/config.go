package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Notifier transports
const (
	TransportStream  = "stream"
	TransportWebhook = "webhook"
	TransportLog     = "log"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Registry  RegistryConfig  `yaml:"registry"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Poller    PollerConfig    `yaml:"poller"`
	Watchers  WatchersConfig  `yaml:"watchers"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains admin HTTP server settings
type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	MaxBodySize  int64    `yaml:"max_body_size"`
	ReadTimeout  int      `yaml:"read_timeout"`
	WriteTimeout int      `yaml:"write_timeout"`
	IdleTimeout  int      `yaml:"idle_timeout"`
	CORSOrigins  []string `yaml:"cors_origins"`
}

// StorageConfig contains state store settings
type StorageConfig struct {
	Backend           string `yaml:"backend"`
	DataDir           string `yaml:"data_dir"`
	GCIntervalMinutes int    `yaml:"gc_interval_minutes"`
}

// RegistryConfig contains subscription registry settings
type RegistryConfig struct {
	// Persistent keeps subscriptions in the store; otherwise they live in
	// memory and are rebuilt from config on every start
	Persistent      bool `yaml:"persistent"`
	LookupCacheSize int  `yaml:"lookup_cache_size"`
}

// NotifierConfig contains delivery settings
type NotifierConfig struct {
	Transports []string      `yaml:"transports"`
	Stream     StreamConfig  `yaml:"stream"`
	Webhook    WebhookConfig `yaml:"webhook"`
}

// StreamConfig contains WebSocket/SSE stream settings
type StreamConfig struct {
	Addr              string `yaml:"addr"`
	MaxIdleTime       int    `yaml:"max_idle_time"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	ClientBuffer      int    `yaml:"client_buffer"`
}

// WebhookConfig contains webhook settings
type WebhookConfig struct {
	DefaultURL string            `yaml:"default_url"`
	URLs       map[string]string `yaml:"urls"`
	Timeout    int               `yaml:"timeout"`
}

// PollerConfig contains the shared HTTP settings of the pollers
type PollerConfig struct {
	Timeout          int    `yaml:"timeout"`
	UserAgent        string `yaml:"user_agent"`
	MaxRetries       int    `yaml:"max_retries"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int    `yaml:"max_backoff_ms"`
}

// WatchersConfig contains one section per watcher
type WatchersConfig struct {
	LiveStatus LiveStatusWatcherConfig `yaml:"live_status"`
	Activity   ActivityWatcherConfig   `yaml:"activity"`
	Digest     DigestWatcherConfig     `yaml:"digest"`
}

// WatcherConfig contains the settings every watcher shares
type WatcherConfig struct {
	Enabled bool `yaml:"enabled"`

	// Seconds between ticks
	Interval int `yaml:"interval"`

	// Registrant to event keys
	Subscriptions map[string][]string `yaml:"subscriptions"`
}

// LiveStatusWatcherConfig configures the live room watcher
type LiveStatusWatcherConfig struct {
	WatcherConfig `yaml:",inline"`
	Endpoint      string `yaml:"endpoint"`
	RoomURL       string `yaml:"room_url"`
}

// ActivityWatcherConfig configures the recent activity watcher
type ActivityWatcherConfig struct {
	WatcherConfig `yaml:",inline"`
	Endpoint      string `yaml:"endpoint"`
	BaseURL       string `yaml:"base_url"`
	Token         string `yaml:"token"`

	// BeatmapLookup adds beatmap cover and difficulty to notifications
	BeatmapLookup   bool   `yaml:"beatmap_lookup"`
	BeatmapEndpoint string `yaml:"beatmap_endpoint"`
}

// DigestWatcherConfig configures the hot list digest watcher
type DigestWatcherConfig struct {
	WatcherConfig `yaml:",inline"`
	Endpoint      string `yaml:"endpoint"`
	Limit         int    `yaml:"limit"`
	DedupTTL      int    `yaml:"dedup_ttl"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodySize:  1048576, // 1MB
			ReadTimeout:  5,
			WriteTimeout: 10,
			IdleTimeout:  120,
			CORSOrigins:  []string{"*"},
		},
		Storage: StorageConfig{
			Backend:           "badger",
			DataDir:           "./data",
			GCIntervalMinutes: 10,
		},
		Registry: RegistryConfig{
			Persistent:      true,
			LookupCacheSize: 1024,
		},
		Notifier: NotifierConfig{
			Transports: []string{TransportStream, TransportLog},
			Stream: StreamConfig{
				Addr:              ":8081",
				MaxIdleTime:       120,
				HeartbeatInterval: 15,
				ClientBuffer:      64,
			},
			Webhook: WebhookConfig{
				URLs:    map[string]string{},
				Timeout: 10,
			},
		},
		Poller: PollerConfig{
			Timeout:          10,
			UserAgent:        "lookout/1.0",
			MaxRetries:       2,
			InitialBackoffMs: 500,
			MaxBackoffMs:     5000,
		},
		Watchers: WatchersConfig{
			LiveStatus: LiveStatusWatcherConfig{
				WatcherConfig: WatcherConfig{Enabled: true, Interval: 600, Subscriptions: map[string][]string{}},
			},
			Activity: ActivityWatcherConfig{
				WatcherConfig: WatcherConfig{Enabled: true, Interval: 60, Subscriptions: map[string][]string{}},
				BeatmapLookup: true,
			},
			Digest: DigestWatcherConfig{
				WatcherConfig: WatcherConfig{Enabled: true, Interval: 1800, Subscriptions: map[string][]string{}},
				Limit:         10,
				DedupTTL:      86400,
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: false,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "lookout",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	// Override with environment variables
	applyEnvOverrides(config)

	// Override with command line flags (highest priority)
	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	// Server config overrides
	if addr := os.Getenv("LOOKOUT_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}

	// Storage config overrides
	if dataDir := os.Getenv("LOOKOUT_STORAGE_DATA_DIR"); dataDir != "" {
		config.Storage.DataDir = dataDir
	}
	if backend := os.Getenv("LOOKOUT_STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}

	// Notifier config overrides
	if transports := os.Getenv("LOOKOUT_NOTIFIER_TRANSPORTS"); transports != "" {
		config.Notifier.Transports = splitList(transports)
	}
	if addr := os.Getenv("LOOKOUT_STREAM_ADDR"); addr != "" {
		config.Notifier.Stream.Addr = addr
	}
	if url := os.Getenv("LOOKOUT_WEBHOOK_URL"); url != "" {
		config.Notifier.Webhook.DefaultURL = url
	}

	// Watcher config overrides
	if token := os.Getenv("LOOKOUT_ACTIVITY_TOKEN"); token != "" {
		config.Watchers.Activity.Token = token
	}
	overrideInterval("LOOKOUT_LIVE_STATUS_INTERVAL", &config.Watchers.LiveStatus.Interval)
	overrideInterval("LOOKOUT_ACTIVITY_INTERVAL", &config.Watchers.Activity.Interval)
	overrideInterval("LOOKOUT_DIGEST_INTERVAL", &config.Watchers.Digest.Interval)

	// Logging config overrides
	if level := os.Getenv("LOOKOUT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("LOOKOUT_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	// Telemetry config overrides
	if endpoint := os.Getenv("LOOKOUT_TELEMETRY_ENDPOINT"); endpoint != "" {
		config.Telemetry.Endpoint = endpoint
	}
	if enabled := os.Getenv("LOOKOUT_TELEMETRY_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			config.Telemetry.Enabled = val
		}
	}
}

func overrideInterval(env string, target *int) {
	if raw := os.Getenv(env); raw != "" {
		if val, err := strconv.Atoi(raw); err == nil {
			*target = val
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "badger", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if c.Storage.Backend == "badger" && c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir: required for the badger backend"))
	}

	if len(c.Notifier.Transports) == 0 {
		errs = append(errs, errors.New("notifier.transports: at least one transport is required"))
	}
	for _, t := range c.Notifier.Transports {
		switch t {
		case TransportStream, TransportLog:
		case TransportWebhook:
			if c.Notifier.Webhook.DefaultURL == "" && len(c.Notifier.Webhook.URLs) == 0 {
				errs = append(errs, errors.New("notifier.webhook: default_url or urls required"))
			}
		default:
			errs = append(errs, fmt.Errorf("notifier.transports: unknown transport %q", t))
		}
	}

	watchers := map[string]WatcherConfig{
		"live_status": c.Watchers.LiveStatus.WatcherConfig,
		"activity":    c.Watchers.Activity.WatcherConfig,
		"digest":      c.Watchers.Digest.WatcherConfig,
	}
	for name, w := range watchers {
		if !w.Enabled {
			continue
		}
		if w.Interval <= 0 {
			errs = append(errs, fmt.Errorf("watchers.%s.interval: must be positive", name))
		}
		for registrant, events := range w.Subscriptions {
			if registrant == "" {
				errs = append(errs, fmt.Errorf("watchers.%s.subscriptions: empty registrant", name))
			}
			for _, e := range events {
				if e == "" {
					errs = append(errs, fmt.Errorf("watchers.%s.subscriptions.%s: empty event key", name, registrant))
				}
			}
		}
	}
	if c.Watchers.Activity.Enabled && c.Watchers.Activity.Token == "" && len(c.Watchers.Activity.Subscriptions) > 0 {
		errs = append(errs, errors.New("watchers.activity.token: required when activity subscriptions exist"))
	}
	if c.Watchers.Digest.Limit < 0 {
		errs = append(errs, errors.New("watchers.digest.limit: must not be negative"))
	}
	if c.Poller.MaxRetries < 0 {
		errs = append(errs, errors.New("poller.max_retries: must not be negative"))
	}

	return errors.Join(errs...)
}
