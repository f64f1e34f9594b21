package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dukerupert/eventful/internal/access"
	"github.com/dukerupert/eventful/internal/auth"
	"github.com/dukerupert/eventful/internal/handler"
	"github.com/dukerupert/eventful/internal/metrics"
	"github.com/dukerupert/eventful/internal/middleware"
	"github.com/dukerupert/eventful/internal/push"
	"github.com/dukerupert/eventful/internal/router"
	"github.com/dukerupert/eventful/internal/store"
	ws "github.com/dukerupert/eventful/internal/websocket"
)

// Config carries the settings the server needs to assemble the engine.
type Config struct {
	JWTSecret      string
	JWTIssuer      string
	ServiceToken   string
	Origins        []string
	AllowAnonymous bool
	InviteTTL      time.Duration
	RouteTimeout   time.Duration
	VAPIDPublicKey string
	Push           push.Config
}

// Deps are the pieces built outside the server because they talk to
// external providers.
type Deps struct {
	Senders []push.Sender
	Deduper push.Deduper
}

type Server struct {
	db            *sql.DB
	hub           *ws.Hub
	resolver      *access.Resolver
	router        *router.Router
	dispatcher    *push.Dispatcher
	verifier      *auth.TokenVerifier
	registry      *prometheus.Registry
	deviceH       *handler.DeviceHandler
	accessH       *handler.AccessHandler
	notificationH *handler.NotificationHandler
	internalH     *handler.InternalHandler
	rateLimiter   *middleware.RateLimiter
	serviceToken  string
	wsOpts        ws.HandlerOptions
	logger        *slog.Logger
}

func New(db *sql.DB, cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	verifier, err := auth.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("token verifier: %w", err)
	}
	if cfg.ServiceToken == "" {
		return nil, errors.New("service token is required")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	resourceStore := store.NewResourceStore(db)
	accessStore := store.NewAccessStore(db)
	inviteStore := store.NewInviteLinkStore(db)
	deviceStore := store.NewDeviceTokenStore(db)
	notificationStore := store.NewNotificationStore(db)

	resolver := access.NewResolver(accessStore, resourceStore, access.IndexKinds(resourceStore))
	audience := access.NewAudience(resourceStore, accessStore)
	hub := ws.NewHub(logger.With("component", "websocket"), m)

	pushOpts := []push.Option{
		push.WithConfig(cfg.Push),
		push.WithArchive(notificationStore),
		push.WithMetrics(m),
		push.WithReporter(reportOutcomes(logger.With("component", "push"))),
	}
	for _, s := range deps.Senders {
		pushOpts = append(pushOpts, push.WithSender(s))
	}
	if deps.Deduper != nil {
		pushOpts = append(pushOpts, push.WithDeduper(deps.Deduper))
	}
	dispatcher := push.NewDispatcher(deviceStore, logger.With("component", "push"), pushOpts...)

	rt := router.New(audience, resolver, hub, dispatcher, logger.With("component", "router"),
		router.WithMetrics(m),
		router.WithRouteTimeout(cfg.RouteTimeout),
	)
	accessSvc := access.NewService(resolver, accessStore, inviteStore, logger.With("component", "access"),
		access.WithNotifier(rt),
		access.WithEvictor(hub),
		access.WithInviteTTL(cfg.InviteTTL),
	)

	return &Server{
		db:            db,
		hub:           hub,
		resolver:      resolver,
		router:        rt,
		dispatcher:    dispatcher,
		verifier:      verifier,
		registry:      registry,
		deviceH:       handler.NewDeviceHandler(deviceStore, cfg.VAPIDPublicKey, logger.With("component", "device")),
		accessH:       handler.NewAccessHandler(accessSvc, resolver, logger.With("component", "access_handler")),
		notificationH: handler.NewNotificationHandler(notificationStore, logger.With("component", "notification")),
		internalH:     handler.NewInternalHandler(rt, resourceStore, logger.With("component", "internal")),
		rateLimiter:   middleware.NewRateLimiter(20, time.Minute),
		serviceToken:  cfg.ServiceToken,
		wsOpts:        ws.HandlerOptions{OriginPatterns: cfg.Origins, AllowAnonymous: cfg.AllowAnonymous},
		logger:        logger,
	}, nil
}

func reportOutcomes(logger *slog.Logger) func(push.Job, []push.Outcome) {
	return func(job push.Job, outcomes []push.Outcome) {
		var transient, permanent int
		for _, o := range outcomes {
			switch o.Status {
			case push.StatusTransient:
				transient++
			case push.StatusPermanent:
				permanent++
			}
		}
		if transient > 0 || permanent > 0 {
			logger.Info("push job finished with failures",
				"address", job.Notification.Address.String(),
				"tokens", len(outcomes), "transient", transient, "permanent", permanent)
		}
	}
}

// Start launches the push workers.
func (s *Server) Start(ctx context.Context) {
	s.dispatcher.Start(ctx)
}

// Shutdown stops accepting changes, routes the queued ones and drains the
// push queue.
func (s *Server) Shutdown(ctx context.Context) error {
	routeErr := s.router.Close(ctx)
	pushErr := s.dispatcher.Stop(ctx)
	return errors.Join(routeErr, pushErr)
}

// Notifier returns the change router for in-process callers.
func (s *Server) Notifier() *router.Router {
	return s.router
}

// Hub returns the live room registry.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", metrics.Handler(s.registry))
	outerMux.Handle("GET /ws", s.rateLimited(middleware.RealIP,
		ws.HandleWebSocket(s.hub, s.verifier, s.resolver, s.logger.With("component", "websocket"), s.wsOpts)))

	// User routes, bearer JWT
	apiMux := http.NewServeMux()
	s.registerAPIRoutes(apiMux)
	outerMux.Handle("/api/", middleware.RequireUser(s.verifier)(apiMux))

	// CRUD-layer bridge, service token
	internalMux := http.NewServeMux()
	s.registerInternalRoutes(internalMux)
	outerMux.Handle("/internal/", middleware.RequireService(s.serviceToken)(internalMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"unavailable"}`)
		return
	}
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"rooms":%d}`, s.hub.ClientCount(), s.hub.RoomCount())
}

func (s *Server) rateLimited(keyFunc func(*http.Request) string, h http.Handler) http.Handler {
	return middleware.RateLimit(s.rateLimiter, keyFunc)(h)
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	// Device tokens
	mux.HandleFunc("POST /api/devices", s.deviceH.Register)
	mux.HandleFunc("DELETE /api/devices", s.deviceH.Unregister)
	mux.HandleFunc("GET /api/push/vapid-key", s.deviceH.VAPIDKey)

	// Access administration
	mux.HandleFunc("GET /api/access/{refModel}/{ref}", s.accessH.Capabilities)
	mux.HandleFunc("PUT /api/access/{refModel}/{ref}/users/{user}", s.accessH.Grant)
	mux.HandleFunc("DELETE /api/access/{refModel}/{ref}/users/{user}", s.accessH.Revoke)
	mux.HandleFunc("POST /api/access/{refModel}/{ref}/invites", s.accessH.CreateInvite)
	mux.Handle("POST /api/invites/redeem", s.rateLimited(middleware.UserOrIP, http.HandlerFunc(s.accessH.Redeem)))

	// Notification list
	mux.HandleFunc("GET /api/notifications", s.notificationH.List)
}

func (s *Server) registerInternalRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /internal/notify", s.internalH.Notify)
	mux.HandleFunc("PUT /internal/resources", s.internalH.PutResource)
	mux.HandleFunc("DELETE /internal/resources/{refModel}/{ref}", s.internalH.DeleteResource)
	mux.HandleFunc("PUT /internal/contacts", s.internalH.PutContact)
}
