package chi

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nkkko/lookout/internal/api/errors"
	"github.com/nkkko/lookout/internal/api/models"
	"github.com/nkkko/lookout/internal/api/response"
	"github.com/nkkko/lookout/internal/api/validation"
	"github.com/nkkko/lookout/internal/logging"
	"github.com/nkkko/lookout/internal/registry"
	"github.com/nkkko/lookout/internal/telemetry"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Largest accepted request body
	MaxBodySize int64

	// Allowed CORS origins
	CORSOrigins []string

	// Prometheus endpoint
	MetricsEnabled  bool
	MetricsEndpoint string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxBodySize:     1 << 20,
		CORSOrigins:     []string{"*"},
		MetricsEnabled:  true,
		MetricsEndpoint: "/metrics",
	}
}

// ChiAPI serves the admin endpoints
type ChiAPI struct {
	config   Config
	router   *chi.Mux
	server   *http.Server
	watchers Watchers
	logger   zerolog.Logger
}

// NewChiAPI creates a new API instance with Chi router
func NewChiAPI(config Config, watchers Watchers) *ChiAPI {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.MaxBodySize == 0 {
		config.MaxBodySize = defaults.MaxBodySize
	}
	if len(config.CORSOrigins) == 0 {
		config.CORSOrigins = defaults.CORSOrigins
	}
	if config.MetricsEndpoint == "" {
		config.MetricsEndpoint = defaults.MetricsEndpoint
	}

	a := &ChiAPI{
		config:   config,
		watchers: watchers,
		logger:   log.With().Str("component", "api-chi").Logger(),
	}
	a.router = a.buildRouter()
	return a
}

// Handler returns the HTTP handler serving every route
func (a *ChiAPI) Handler() http.Handler {
	return a.router
}

func (a *ChiAPI) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(telemetry.ServiceName))
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	a.registerRoutes(r)
	return r
}

// Start runs the server until ctx is cancelled, then shuts it down
func (a *ChiAPI) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is cancelled
func (a *ChiAPI) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(ln)
	}()
	a.logger.Info().Str("addr", ln.Addr().String()).Msg("API server started")

	select {
	case err := <-errCh:
		if !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// registerRoutes sets up all API endpoints
func (a *ChiAPI) registerRoutes(r chi.Router) {
	// Health checks
	r.Get("/healthz", a.handleHealth)
	r.Get("/healthcheck", a.handleHealth)
	r.Get("/readyz", a.handleReady)

	if a.config.MetricsEnabled {
		r.Handle(a.config.MetricsEndpoint, promhttp.Handler())
	}

	r.Route("/v1/watchers", func(r chi.Router) {
		r.Get("/", a.handleListWatchers)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/pool", a.handleEventPool)
			r.Get("/events/{event}/registrants", a.handleFindRegistrants)
			r.Post("/registrants/{registrant}", a.handleRegister)
			r.Put("/subscriptions", a.handleReplaceSubscriptions)
		})
	})
}

func (a *ChiAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (a *ChiAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	components := a.watchers.Ready(r.Context())
	for _, ok := range components {
		if !ok {
			response.Error(w, r, errors.UnavailableError("not_ready", "Service is not ready").
				WithDetails(components))
			return
		}
	}
	response.JSON(w, r, http.StatusOK, models.HealthResponse{Status: "ready", Components: components})
}

// handleListWatchers lists every configured watcher
func (a *ChiAPI) handleListWatchers(w http.ResponseWriter, r *http.Request) {
	watchers := a.watchers.Watchers()
	response.WithMeta(w, r, http.StatusOK,
		&proto.ListWatchersResponse{Watchers: watchers},
		models.CountMeta{Count: len(watchers)},
	)
}

// handleEventPool returns the sorted event pool of a watcher
func (a *ChiAPI) handleEventPool(w http.ResponseWriter, r *http.Request) {
	name, reg, ok := a.registry(w, r)
	if !ok {
		return
	}

	events, err := reg.EventPool(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Str("watcher", name).Msg("Failed to read event pool")
		response.Error(w, r, errors.InternalError("event_pool_failed", "Failed to read event pool"))
		return
	}

	response.WithMeta(w, r, http.StatusOK,
		models.EventPoolFromKeys(name, events),
		models.CountMeta{Count: len(events)},
	)
}

// handleFindRegistrants returns the registrants subscribed to an event
func (a *ChiAPI) handleFindRegistrants(w http.ResponseWriter, r *http.Request) {
	name, reg, ok := a.registry(w, r)
	if !ok {
		return
	}

	event := proto.EventKey(chi.URLParam(r, "event"))
	registrants, err := reg.FindRegistrantsByEvent(r.Context(), event)
	if err != nil {
		a.logger.Error().Err(err).Str("watcher", name).Str("event_key", string(event)).Msg("Failed to look up registrants")
		response.Error(w, r, errors.InternalError("lookup_failed", "Failed to look up registrants"))
		return
	}

	response.WithMeta(w, r, http.StatusOK,
		models.RegistrantsFromLookup(name, event, registrants),
		models.CountMeta{Count: len(registrants)},
	)
}

// handleRegister merges events into a registrant's subscriptions
func (a *ChiAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	name, reg, ok := a.registry(w, r)
	if !ok {
		return
	}

	registrant := chi.URLParam(r, "registrant")
	if err := models.ValidateRegistrant(registrant); err != nil {
		response.Error(w, r, err)
		return
	}

	var req models.RegisterRequest
	if err := validation.ParseAndValidate(w, r, a.config.MaxBodySize, &req); err != nil {
		a.logger.Debug().Err(err).Msg("Invalid register request")
		response.Error(w, r, err)
		return
	}

	events := req.ToEvents()
	if err := reg.Register(r.Context(), proto.Registrant(registrant), events); err != nil {
		response.Error(w, r, a.registryError(name, "register_failed", err))
		return
	}

	response.JSON(w, r, http.StatusOK, &proto.RegisterResponse{
		Registrant: proto.Registrant(registrant),
		Events:     registry.SortEvents(events),
	})
}

// handleReplaceSubscriptions replaces the subscriptions of the listed
// registrants
func (a *ChiAPI) handleReplaceSubscriptions(w http.ResponseWriter, r *http.Request) {
	name, reg, ok := a.registry(w, r)
	if !ok {
		return
	}

	var req models.ReplaceSubscriptionsRequest
	if err := validation.ParseAndValidate(w, r, a.config.MaxBodySize, &req); err != nil {
		a.logger.Debug().Err(err).Msg("Invalid replace subscriptions request")
		response.Error(w, r, err)
		return
	}

	relation := req.ToRelation()
	if err := reg.ReplaceAll(r.Context(), relation); err != nil {
		response.Error(w, r, a.registryError(name, "replace_failed", err))
		return
	}

	response.JSON(w, r, http.StatusOK, &proto.ReplaceSubscriptionsResponse{Registrants: len(relation)})
}

// registry resolves the {name} path parameter, writing a 404 when unknown
func (a *ChiAPI) registry(w http.ResponseWriter, r *http.Request) (string, registry.Registry, bool) {
	name := chi.URLParam(r, "name")
	reg, ok := a.watchers.Registry(name)
	if !ok {
		response.Error(w, r, errors.NotFoundError("watcher_not_found", "Watcher "+name+" not found"))
		return name, nil, false
	}
	return name, reg, true
}

func (a *ChiAPI) registryError(watcher, code string, err error) error {
	if stderrors.Is(err, registry.ErrEmptyRegistrant) || stderrors.Is(err, registry.ErrEmptyEventKey) {
		return errors.ValidationError(code, err.Error())
	}
	a.logger.Error().Err(err).Str("watcher", watcher).Msg("Registry update failed")
	return errors.InternalError(code, "Failed to update subscriptions")
}

// Shutdown stops the API server
func (a *ChiAPI) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
