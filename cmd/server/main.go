// Itinera - travel itinerary planning server
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/itinera/internal/api"
	"github.com/ashureev/itinera/internal/config"
	"github.com/ashureev/itinera/internal/generation"
	"github.com/ashureev/itinera/internal/healthsrv"
	"github.com/ashureev/itinera/internal/identity"
	"github.com/ashureev/itinera/internal/middleware"
	"github.com/ashureev/itinera/internal/pipeline"
	"github.com/ashureev/itinera/internal/provider"
	"github.com/ashureev/itinera/internal/retrieval"
	"github.com/ashureev/itinera/internal/session"
	"github.com/ashureev/itinera/internal/store"
	"github.com/ashureev/itinera/internal/stream"
	"github.com/ashureev/itinera/internal/telemetry"
	"github.com/ashureev/itinera/internal/worker"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const limiterIdle = 10 * time.Minute

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, cfg.DailyCredits)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "daily_credits", cfg.DailyCredits)

	hub := stream.NewHub()
	sessions, closeSessions, err := openSessionStore(ctx, cfg, hub.Publish)
	if err != nil {
		slog.Error("Failed to initialize session store", "backend", cfg.SessionBackend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeSessions.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()
	slog.Info("Session store ready", "backend", cfg.SessionBackend)

	// Generation engine.
	chatModel, err := generation.NewChatModel(ctx, generation.ModelConfig{
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Name,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: float32(cfg.Model.Temperature),
	})
	if err != nil {
		slog.Error("Failed to initialize chat model", "error", err)
		os.Exit(1)
	}
	engineCfg := generation.DefaultConfig()
	engineCfg.MaxRepairAttempts = cfg.Model.MaxRepairAttempts
	engineCfg.ModelRetries = cfg.Model.Retries
	engineCfg.CallTimeout = cfg.Model.Timeout
	engine := generation.NewEngine(chatModel, engineCfg,
		generation.WithLogger(logger.With("component", "generation")),
		generation.WithPinger(generation.NewHTTPPinger(cfg.Model.BaseURL, cfg.Model.APIKey)),
	)
	slog.Info("Generation engine initialized", "model", cfg.Model.Name, "base_url", cfg.Model.BaseURL)

	// Context providers.
	tz, err := time.LoadLocation(cfg.Context.TimeZone)
	if err != nil {
		slog.Error("Failed to load time zone", "timezone", cfg.Context.TimeZone, "error", err)
		os.Exit(1)
	}
	meteo := provider.NewOpenMeteo(cfg.Context.WeatherURL, cfg.Context.GeocodeURL, cfg.Context.ProviderTimeout)
	var traffic pipeline.TrafficProvider = provider.ClockTraffic{Location: tz}
	if cfg.Context.TrafficURL != "" {
		traffic = provider.NewHTTPTraffic(cfg.Context.TrafficURL, cfg.Context.TrafficAPIKey, cfg.Context.ProviderTimeout)
	} else {
		slog.Info("TRAFFIC_API_URL not set, estimating traffic from time of day")
	}
	geocoder := provider.ChainGeocoder{provider.NewStaticGeocoder(knownCoordinates(cfg)), meteo}

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		slog.Error("Failed to load retrieval catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}

	// Pipeline stages.
	initializer := pipeline.NewInitializer(sessions, identity.ContextAuth{}, repo, logger.With("stage", "initialize"))
	scout := pipeline.NewContextScout(sessions, meteo, geocoder, traffic, pipeline.ScoutConfig{
		Locations:       cfg.LocationNames(),
		MaxLocations:    cfg.Context.LocationLimit,
		DefaultLocation: cfg.Context.DefaultLocation,
		BranchTimeout:   cfg.Context.ProviderTimeout + 2*time.Second,
		TimeZone:        tz,
	}, logger.With("stage", "context"))
	retriever := retrieval.NewCatalogRetriever(sessions, catalog, 0, logger.With("stage", "retrieval"))
	composer := pipeline.NewComposer(sessions, engine, nil, tz, logger.With("stage", "composition"))
	coord := pipeline.NewCoordinator(initializer, scout, retriever, composer,
		pipeline.WithRequestTimeout(cfg.PipelineTimeout),
		pipeline.WithCoordinatorLogger(logger.With("component", "coordinator")),
	)

	// gRPC health service.
	healthSrv := healthsrv.New(engine,
		healthsrv.Probe{Name: "database", Check: repo.Ping},
		healthsrv.Probe{Name: "sessions", Check: sessions.Ping},
	)
	healthDone := healthSrv.StartRefresher(ctx, cfg.HealthInterval)

	registry, err := telemetry.NewRegistry(engine)
	if err != nil {
		slog.Error("Failed to initialize metrics registry", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)
	itineraryHandler := api.NewItineraryHandler(coord, sessions, repo, repo, logger.With("component", "api"))
	engineHandler := api.NewEngineHandler(engine, sessions, repo, cfg.AdminToken)
	healthHandler := api.NewHealthHandler(map[string]api.Pinger{
		"database": repo,
		"sessions": sessions,
	}, healthSrv.Last)
	wsHandler := stream.NewWebSocketHandler(sessions, hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.SecureCookies))

		itineraryHandler.RegisterRoutes(r, middleware.RateLimit(limiter, func(r *http.Request) string {
			return identity.UserIDFromContext(r.Context())
		}))
		engineHandler.RegisterRoutes(r)

		// WebSocket endpoint.
		r.Get("/ws/itineraries/{id}", wsHandler.ServeHTTP)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams and long pipeline runs
		IdleTimeout:  120 * time.Second,
	}

	// Background workers.
	sweepDone := worker.Start(ctx, worker.Job{
		Name:     "rate-limit-sweep",
		Interval: limiterIdle,
		Run: func(context.Context) {
			if n := limiter.Sweep(limiterIdle); n > 0 {
				slog.Debug("Swept idle rate limit buckets", "removed", n, "remaining", limiter.Len())
			}
		},
	})

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC health", "port", cfg.GRPCPort, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := healthSrv.Serve(lis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	healthSrv.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	<-healthDone
	<-sweepDone

	slog.Info("Server stopped successfully")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openSessionStore selects the configured backend. Every write is published
// to observer.
func openSessionStore(ctx context.Context, cfg *config.Config, observer session.Observer) (session.Store, io.Closer, error) {
	if cfg.SessionBackend == config.SessionBackendRedis {
		rs, err := session.NewRedisStore(ctx, cfg.RedisURL, cfg.SessionTTL, observer)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs, nil
	}
	return session.NewMemoryStore(observer), nopCloser{}, nil
}

func loadCatalog(path string) (*retrieval.Catalog, error) {
	if path == "" {
		return retrieval.DefaultCatalog()
	}
	return retrieval.LoadCatalog(path)
}

// knownCoordinates collects configured locations that carry coordinates so
// they skip geocoding.
func knownCoordinates(cfg *config.Config) map[string]provider.Coordinates {
	table := make(map[string]provider.Coordinates)
	for _, l := range cfg.Context.Locations {
		if l.Lat != nil && l.Lon != nil {
			table[l.Name] = provider.Coordinates{Lat: *l.Lat, Lon: *l.Lon}
		}
	}
	return table
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(cfg.FrontendURL, "/")}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
