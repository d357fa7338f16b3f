package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quillblog/apiserver/config"
	"github.com/quillblog/apiserver/internal/auth"
	"github.com/quillblog/apiserver/internal/db"
	"github.com/quillblog/apiserver/internal/handlers"
	"github.com/quillblog/apiserver/internal/logging"
	"github.com/quillblog/apiserver/internal/metrics"
	"github.com/quillblog/apiserver/internal/mq"
	"github.com/quillblog/apiserver/internal/services"
	"github.com/quillblog/apiserver/internal/storage"
	"github.com/quillblog/apiserver/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const redisPingTimeout = 2 * time.Second

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	db         *sql.DB
	broker     *mq.MQ
	redis      *redis.Client
	log        zerolog.Logger
}

// New wires the repositories, asset store, broker and HTTP routes from cfg.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	logger := logging.New(cfg.LogLevel, cfg.Env == "dev")

	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	s := &Server{log: logger}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.db = dbConn

	assets, err := storage.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if err := assets.EnsureBucket(ctx); err != nil {
		s.close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	broker, err := mq.NewFromConfig(ctx, cfg.MQ)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init mq: %w", err)
	}
	s.broker = broker

	m := metrics.New(prometheus.DefaultRegisterer)
	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	postOpts := services.PostOptions{
		PageSize:     cfg.Posts.PageSize,
		RequireCover: cfg.Posts.RequireCover,
		Logger:       logger,
		Metrics:      m,
	}
	if broker != nil {
		postOpts.Orphans = broker
		postOpts.OrphanChannel = cfg.MQ.OrphanChannel
	}

	userService := services.NewUserService(store.NewUserRepository(dbConn), tokens)
	postService := services.NewPostService(store.NewPostRepository(dbConn), assets, tokens, postOpts)

	var limiter handlers.RateLimiter
	if cfg.Redis.Addr != "" {
		s.redis = s.connectRedis(ctx, cfg.Redis)
		if s.redis != nil {
			limiter = handlers.NewRedisRateLimiter(s.redis, logger)
		}
	}
	authLimit := handlers.RateLimit(limiter, "/auth", cfg.Auth.RateLimit, cfg.Auth.RateWindow, m)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		hlog.NewHandler(logger),
		hlog.AccessHandler(accessLog),
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins:   []string{cfg.CORSOrigin},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
		handlers.Instrument(m),
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, userService, tokens, handlers.CookieOptions{
			Name:   cfg.Auth.CookieName,
			Secure: cfg.Auth.CookieSecure,
			TTL:    cfg.Auth.TokenTTL,
		}, authLimit)
	})
	router.Route("/posts", func(r chi.Router) {
		handlers.PostRouter(r, postService, tokens, cfg.Auth.CookieName, cfg.Posts.MaxUploadBytes)
	})
	if root, ok := assets.LocalRoot(); ok {
		prefix := storage.DefaultLocalURLPrefix
		router.Handle(prefix+"/*", http.StripPrefix(prefix, http.FileServer(http.Dir(root))))
	}

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info().
		Int("port", port).
		Str("storage", cfg.Storage.Backend).
		Str("mq", cfg.MQ.Backend).
		Bool("rate_limit", limiter != nil).
		Msg("server configured")
	return s, nil
}

// connectRedis returns nil when redis cannot be reached; login and register
// then run without a rate limit.
func (s *Server) connectRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		s.log.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unavailable, auth rate limiting disabled")
		_ = client.Close()
		return nil
	}
	return client
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Stringer("url", r.URL).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("request")
}

// Start runs the HTTP server. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and then
// releases the database, broker and redis connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.close()
	return err
}

func (s *Server) close() {
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close mq")
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
