package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"silent-disco/internal/analytics"
	"silent-disco/internal/cache"
	"silent-disco/internal/config"
	"silent-disco/internal/provider"
	"silent-disco/internal/realtime"
	"silent-disco/internal/room"
	"silent-disco/internal/smartqueue"
	"silent-disco/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := newLogger(cfg.Log)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("silent-disco stopped")
	}
	log.Info().Msg("shutdown complete")
}

func newLogger(c config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if c.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("service", "silent-disco").Logger()
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.Store.Driver == "memory" {
		log.Warn().Msg("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := store.AutoMigrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

// app holds the long-running parts of one service instance.
type app struct {
	hub      *realtime.Hub
	fanout   *realtime.RedisFanout
	ingestor *analytics.Ingestor
	router   http.Handler
}

func newApp(cfg *config.Config, st store.Store, rdb *redis.Client, log zerolog.Logger) *app {
	hub := realtime.NewHub(log)
	fanout := realtime.NewRedisFanout(rdb, log)
	hub.UseFanout(fanout)

	yt := provider.NewYouTubeClient(cfg.Provider.YouTubeAPIKey, cfg.Provider.SearchURL, cfg.Provider.Timeout, log)
	rep := smartqueue.New(yt, cache.NewRedisCache(rdb), smartqueue.Config{
		Threshold:  cfg.SmartQueue.RoomThreshold,
		Cap:        cfg.SmartQueue.Cap,
		FetchLimit: cfg.SmartQueue.FetchLimit,
		CacheTTL:   cfg.SmartQueue.CacheTTL,
	}, log)
	rooms := room.NewManager(st, hub, rep, room.Config{
		MaxMembers:    cfg.Room.MaxMembers,
		CodeLength:    cfg.Room.CodeLength,
		HistoryWindow: cfg.SmartQueue.History,
	}, log)

	var verifier *realtime.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = realtime.NewTokenVerifier(cfg.Auth.JWTSecret)
	}
	rt := realtime.NewServer(hub, rooms, realtime.Options{
		Verifier:       verifier,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)
	if len(cfg.HTTP.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.HTTP.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	rt.Mount(r)
	r.Get("/music/search", provider.NewServer(yt, log).HandleSearch)
	events := analytics.NewHandler(analytics.NewRedisSink(rdb, log), log)
	r.With(rt.RequireUser).Post("/events/batch", events.HandleBatch)

	return &app{
		hub:      hub,
		fanout:   fanout,
		ingestor: analytics.NewIngestor(rdb, st, cfg.Analytics.FlushInterval, cfg.Analytics.BatchSize, log),
		router:   r,
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	log = log.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	a := newApp(cfg, st, rdb, log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	g.Go(func() error { return a.fanout.Run(ctx, a.hub) })
	g.Go(func() error { return a.ingestor.Run(ctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
