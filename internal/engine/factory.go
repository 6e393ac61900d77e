package engine

import (
	"fmt"
	"os"

	"github.com/nkkko/lookout/internal/config"
	"github.com/nkkko/lookout/internal/notifier"
	"github.com/nkkko/lookout/internal/registry"
	"github.com/nkkko/lookout/internal/store"
	"github.com/nkkko/lookout/internal/store/badger"
)

// NewStore creates the state store selected by config.Backend
func NewStore(config store.Config) (store.Store, error) {
	switch config.Backend {
	case store.BackendBadger, "":
		if err := os.MkdirAll(config.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return badger.Open(config)

	case store.BackendMemory:
		return store.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store backend: %s", config.Backend)
	}
}

// NewRegistry creates the subscription registry of one watcher. A
// persistent registry shares s; an in-memory one is rebuilt from config
// on every start.
func NewRegistry(name string, s store.Store, config config.RegistryConfig) (registry.Registry, error) {
	if !config.Persistent {
		return registry.NewMemoryRegistry(name), nil
	}
	return registry.NewStoreRegistry(name, s, config.LookupCacheSize)
}

// NewNotifier builds the configured delivery transports. The stream
// notifier is returned separately because its server has to be run.
func NewNotifier(cfg *config.Config) (notifier.Notifier, *notifier.StreamNotifier, error) {
	var (
		transports notifier.Multi
		stream     *notifier.StreamNotifier
	)

	for _, t := range cfg.Notifier.Transports {
		switch t {
		case config.TransportStream:
			stream = notifier.NewStreamNotifier(cfg.ToStreamConfig())
			transports = append(transports, stream)
		case config.TransportWebhook:
			transports = append(transports, notifier.NewWebhookNotifier(cfg.ToWebhookConfig()))
		case config.TransportLog:
			transports = append(transports, notifier.NewLogNotifier())
		default:
			return nil, nil, fmt.Errorf("unsupported notifier transport: %s", t)
		}
	}

	switch len(transports) {
	case 0:
		return nil, nil, fmt.Errorf("no notifier transport configured")
	case 1:
		return transports[0], stream, nil
	default:
		return transports, stream, nil
	}
}
