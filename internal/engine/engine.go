package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	chiapi "github.com/nkkko/lookout/internal/api/chi"
	"github.com/nkkko/lookout/internal/config"
	"github.com/nkkko/lookout/internal/notifier"
	"github.com/nkkko/lookout/internal/policy"
	"github.com/nkkko/lookout/internal/poller"
	"github.com/nkkko/lookout/internal/registry"
	"github.com/nkkko/lookout/internal/statecache"
	"github.com/nkkko/lookout/internal/store"
	"github.com/nkkko/lookout/internal/telemetry"
	"github.com/nkkko/lookout/internal/watcher"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Watcher names, also used as registry names
const (
	WatcherLiveStatus = "live_status"
	WatcherActivity   = "activity"
	WatcherDigest     = "digest"
)

// Ensure Engine serves the admin API
var _ chiapi.Watchers = (*Engine)(nil)

// runner erases the state type of a watcher so differently typed watchers
// can be kept together
type runner struct {
	name     string
	interval time.Duration
	registry registry.Registry
	running  func() bool
	done     func() <-chan struct{}
	start    func(ctx context.Context) error
}

func bind[S any](w *watcher.Watcher[S], task watcher.Task[S]) *runner {
	return &runner{
		name:     w.Name(),
		interval: w.Interval(),
		registry: w.Context().Registry,
		running:  w.Running,
		done:     w.Done,
		start: func(ctx context.Context) error {
			return w.Start(ctx, task)
		},
	}
}

// Engine is the main coordinator of all lookout components
type Engine struct {
	config     *config.Config
	configPath string
	store      store.Store
	notifier   notifier.Notifier
	stream     *notifier.StreamNotifier
	api        *chiapi.ChiAPI
	runners    []*runner
	byName     map[string]*runner

	// serializes config applies
	mu sync.Mutex

	logger zerolog.Logger
}

// New creates an engine with all components initialized from cfg. When
// configPath is set the file is watched and subscription changes are
// applied at runtime.
func New(cfg *config.Config, configPath string) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s, err := NewStore(cfg.ToStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	n, stream, err := NewNotifier(cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	e := &Engine{
		config:     cfg,
		configPath: configPath,
		store:      s,
		notifier:   n,
		stream:     stream,
		byName:     make(map[string]*runner),
		logger:     log.With().Str("component", "engine").Logger(),
	}

	if err := e.buildWatchers(); err != nil {
		_ = s.Close()
		return nil, err
	}

	e.api = chiapi.NewChiAPI(cfg.ToAPIConfig(), e)
	return e, nil
}

func (e *Engine) buildWatchers() error {
	cfg := e.config
	client := poller.NewClient(cfg.ToPollerConfig())

	if w := cfg.Watchers.LiveStatus; w.Enabled {
		reg, err := NewRegistry(WatcherLiveStatus, e.store, cfg.Registry)
		if err != nil {
			return err
		}
		lw, err := watcher.New(watcher.Options[policy.LiveStatus]{
			Name:     WatcherLiveStatus,
			Interval: w.IntervalDuration(),
			Notifier: e.notifier,
			Store:    e.store,
			Registry: reg,
			State: policy.LiveStatus{
				Poller:  poller.NewLiveRoomPoller(client, w.Endpoint),
				Cache:   statecache.NewStatusCache(e.store, policy.LiveStatusDomain),
				RoomURL: w.RoomURL,
			},
		})
		if err != nil {
			return err
		}
		e.add(bind(lw, policy.LiveStatusTask))
	}

	if w := cfg.Watchers.Activity; w.Enabled {
		reg, err := NewRegistry(WatcherActivity, e.store, cfg.Registry)
		if err != nil {
			return err
		}
		state := policy.RecentActivity{
			Poller:  poller.NewActivityPoller(client, w.Endpoint, w.BaseURL, w.Token),
			Offsets: statecache.NewOffsetCache(e.store, policy.ActivityDomain),
		}
		if w.BeatmapLookup {
			beatmaps, err := poller.NewBeatmapPoller(client, w.BeatmapEndpoint, w.Token, 0)
			if err != nil {
				return err
			}
			state.Beatmaps = beatmaps
		}
		aw, err := watcher.New(watcher.Options[policy.RecentActivity]{
			Name:     WatcherActivity,
			Interval: w.IntervalDuration(),
			Notifier: e.notifier,
			Store:    e.store,
			Registry: reg,
			State:    state,
		})
		if err != nil {
			return err
		}
		e.add(bind(aw, policy.ActivityTask))
	}

	if w := cfg.Watchers.Digest; w.Enabled {
		reg, err := NewRegistry(WatcherDigest, e.store, cfg.Registry)
		if err != nil {
			return err
		}
		dw, err := watcher.New(watcher.Options[policy.DigestList]{
			Name:     WatcherDigest,
			Interval: w.IntervalDuration(),
			Notifier: e.notifier,
			Store:    e.store,
			Registry: reg,
			State: policy.DigestList{
				Poller: poller.NewDigestPoller(client, w.Endpoint),
				Dedup:  statecache.NewDedupCache(e.store, policy.DigestDomain, w.DedupTTLDuration()),
				Limit:  w.Limit,
			},
		})
		if err != nil {
			return err
		}
		e.add(bind(dw, policy.DigestTask))
	}

	return nil
}

func (e *Engine) add(r *runner) {
	e.runners = append(e.runners, r)
	e.byName[r.name] = r
}

// Start applies the configured subscriptions and runs every component
// until ctx is cancelled. A component failure cancels the others.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Int("watchers", len(e.runners)).Msg("Starting lookout engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	}

	defer func() {
		if err := e.store.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to close store")
		}
		if telShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telShutdown(shutdownCtx); err != nil {
				e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
			}
		}
	}()

	if err := e.applySubscriptions(ctx, e.config); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if e.stream != nil {
		g.Go(func() error {
			return e.stream.Start(gctx)
		})
	}

	g.Go(func() error {
		return e.api.Start(gctx)
	})

	for _, r := range e.runners {
		r := r
		if err := r.start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-r.done()
			return nil
		})
	}

	if e.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, e.configPath, 0, func(cfg *config.Config) {
				if err := e.applySubscriptions(gctx, cfg); err != nil {
					e.logger.Error().Err(err).Msg("Failed to apply reloaded subscriptions")
				}
			})
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Lookout engine shut down successfully")
	return nil
}

// declaredKey holds the registrants last declared for a watcher in config
func declaredKey(watcher string) string {
	return "CONFIG_REGISTRANTS:" + watcher
}

// applySubscriptions replaces each watcher's config-declared subscriptions.
// Registrants dropped from the config since the last apply, including
// across restarts, lose theirs; registrants added through the API are left
// alone.
func (e *Engine) applySubscriptions(ctx context.Context, cfg *config.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	declared := map[string]config.WatcherConfig{
		WatcherLiveStatus: cfg.Watchers.LiveStatus.WatcherConfig,
		WatcherActivity:   cfg.Watchers.Activity.WatcherConfig,
		WatcherDigest:     cfg.Watchers.Digest.WatcherConfig,
	}

	var errs []error
	for _, r := range e.runners {
		relation := declared[r.name].Relation()

		previous, err := e.store.SMembers(ctx, declaredKey(r.name))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read declared registrants of %s: %w", r.name, err))
			continue
		}
		var dropped []string
		for _, registrant := range previous {
			if _, ok := relation[proto.Registrant(registrant)]; !ok {
				relation[proto.Registrant(registrant)] = nil
				dropped = append(dropped, registrant)
			}
		}
		if len(relation) == 0 {
			continue
		}

		if err := r.registry.ReplaceAll(ctx, relation); err != nil {
			errs = append(errs, fmt.Errorf("failed to apply subscriptions of %s: %w", r.name, err))
			continue
		}

		if err := e.recordDeclared(ctx, r.name, relation); err != nil {
			errs = append(errs, err)
			continue
		}

		e.logger.Info().
			Str("watcher", r.name).
			Int("registrants", len(relation)-len(dropped)).
			Int("dropped", len(dropped)).
			Msg("Subscriptions applied")
	}
	return errors.Join(errs...)
}

func (e *Engine) recordDeclared(ctx context.Context, watcher string, relation map[proto.Registrant][]proto.EventKey) error {
	var current, removed []string
	for registrant, events := range relation {
		if len(events) > 0 {
			current = append(current, string(registrant))
		} else {
			removed = append(removed, string(registrant))
		}
	}

	if len(removed) > 0 {
		if err := e.store.SRem(ctx, declaredKey(watcher), removed...); err != nil {
			return fmt.Errorf("failed to record declared registrants of %s: %w", watcher, err)
		}
	}
	if len(current) > 0 {
		if err := e.store.SAdd(ctx, declaredKey(watcher), current...); err != nil {
			return fmt.Errorf("failed to record declared registrants of %s: %w", watcher, err)
		}
	}
	return nil
}

// Watchers describes every configured watcher
func (e *Engine) Watchers() []*proto.WatcherInfo {
	infos := make([]*proto.WatcherInfo, 0, len(e.runners))
	for _, r := range e.runners {
		_, persistent := r.registry.(*registry.StoreRegistry)
		infos = append(infos, &proto.WatcherInfo{
			Name:            r.name,
			IntervalSeconds: int64(r.interval / time.Second),
			Persistent:      persistent,
			Running:         r.running(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Registry returns the subscription registry of a watcher
func (e *Engine) Registry(name string) (registry.Registry, bool) {
	r, ok := e.byName[name]
	if !ok {
		return nil, false
	}
	return r.registry, true
}

// Ready reports the store and every watcher loop
func (e *Engine) Ready(ctx context.Context) map[string]bool {
	components := make(map[string]bool, len(e.runners)+1)

	_, err := e.store.Get(ctx, "__ready__")
	components["store"] = err == nil || errors.Is(err, store.ErrNotFound)

	for _, r := range e.runners {
		components["watcher:"+r.name] = r.running()
	}
	return components
}

// Notifier returns the delivery transport shared by all watchers
func (e *Engine) Notifier() notifier.Notifier {
	return e.notifier
}
