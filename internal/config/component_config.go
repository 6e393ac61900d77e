package config

import (
	"time"

	chiapi "github.com/nkkko/lookout/internal/api/chi"
	"github.com/nkkko/lookout/internal/logging"
	"github.com/nkkko/lookout/internal/notifier"
	"github.com/nkkko/lookout/internal/poller"
	"github.com/nkkko/lookout/internal/store"
	"github.com/nkkko/lookout/internal/telemetry"
	"github.com/nkkko/lookout/pkg/proto"
)

// ToStoreConfig converts to store config
func (c *Config) ToStoreConfig() store.Config {
	return store.Config{
		Backend:    c.Storage.Backend,
		DataDir:    c.Storage.DataDir,
		GCInterval: time.Duration(c.Storage.GCIntervalMinutes) * time.Minute,
	}
}

// ToAPIConfig converts to admin API config
func (c *Config) ToAPIConfig() chiapi.Config {
	return chiapi.Config{
		Addr:            c.Server.Addr,
		ReadTimeout:     time.Duration(c.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(c.Server.WriteTimeout) * time.Second,
		IdleTimeout:     time.Duration(c.Server.IdleTimeout) * time.Second,
		MaxBodySize:     c.Server.MaxBodySize,
		CORSOrigins:     c.Server.CORSOrigins,
		MetricsEnabled:  c.Metrics.Enabled,
		MetricsEndpoint: c.Metrics.Endpoint,
	}
}

// ToStreamConfig converts to stream notifier config
func (c *Config) ToStreamConfig() notifier.StreamConfig {
	return notifier.StreamConfig{
		Addr:              c.Notifier.Stream.Addr,
		MaxIdleTime:       time.Duration(c.Notifier.Stream.MaxIdleTime) * time.Second,
		HeartbeatInterval: time.Duration(c.Notifier.Stream.HeartbeatInterval) * time.Second,
		ClientBuffer:      c.Notifier.Stream.ClientBuffer,
	}
}

// ToWebhookConfig converts to webhook notifier config
func (c *Config) ToWebhookConfig() notifier.WebhookConfig {
	urls := make(map[proto.Registrant]string, len(c.Notifier.Webhook.URLs))
	for registrant, url := range c.Notifier.Webhook.URLs {
		urls[proto.Registrant(registrant)] = url
	}
	return notifier.WebhookConfig{
		URLs:       urls,
		DefaultURL: c.Notifier.Webhook.DefaultURL,
		Timeout:    time.Duration(c.Notifier.Webhook.Timeout) * time.Second,
	}
}

// ToPollerConfig converts to poller HTTP config
func (c *Config) ToPollerConfig() poller.Config {
	return poller.Config{
		Timeout:        time.Duration(c.Poller.Timeout) * time.Second,
		UserAgent:      c.Poller.UserAgent,
		MaxRetries:     uint64(c.Poller.MaxRetries),
		InitialBackoff: time.Duration(c.Poller.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.Poller.MaxBackoffMs) * time.Millisecond,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	config := logging.DefaultConfig()
	config.Level = logging.LogLevel(c.Logging.Level)
	config.Format = logging.LogFormat(c.Logging.Format)
	config.IncludeCaller = c.Logging.IncludeCaller
	config.IncludeStacktrace = c.Logging.IncludeTrace
	if c.Logging.GlobalFields != nil {
		config.GlobalFields = c.Logging.GlobalFields
	}
	return config
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	config := telemetry.DefaultConfig()
	config.Enabled = c.Telemetry.Enabled
	if c.Telemetry.ServiceName != "" {
		config.ServiceName = c.Telemetry.ServiceName
	}
	config.Endpoint = c.Telemetry.Endpoint
	config.SamplingRatio = c.Telemetry.SamplingRatio
	if c.Telemetry.Attributes != nil {
		config.Attributes = c.Telemetry.Attributes
	}
	return config
}

// IntervalDuration returns the tick interval
func (w WatcherConfig) IntervalDuration() time.Duration {
	return time.Duration(w.Interval) * time.Second
}

// Relation converts the declared subscriptions into registry form
func (w WatcherConfig) Relation() map[proto.Registrant][]proto.EventKey {
	relation := make(map[proto.Registrant][]proto.EventKey, len(w.Subscriptions))
	for registrant, events := range w.Subscriptions {
		keys := make([]proto.EventKey, len(events))
		for i, e := range events {
			keys[i] = proto.EventKey(e)
		}
		relation[proto.Registrant(registrant)] = keys
	}
	return relation
}

// DedupTTLDuration returns how long a rendered digest stays deduplicated
func (d DigestWatcherConfig) DedupTTLDuration() time.Duration {
	return time.Duration(d.DedupTTL) * time.Second
}
