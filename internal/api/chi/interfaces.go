package chi

import (
	"context"

	"github.com/nkkko/lookout/internal/registry"
	"github.com/nkkko/lookout/pkg/proto"
)

// Watchers is the view of the running watchers required by the admin API
type Watchers interface {
	// Watchers describes every configured watcher
	Watchers() []*proto.WatcherInfo

	// Registry returns the subscription registry of a watcher
	Registry(name string) (registry.Registry, bool)

	// Ready reports whether the service can take traffic, per component
	Ready(ctx context.Context) map[string]bool
}
