package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/brightsend/campaign-engine/internal/config"
	"github.com/brightsend/campaign-engine/internal/credential"
	"github.com/brightsend/campaign-engine/internal/dispatch"
	"github.com/brightsend/campaign-engine/internal/mail"
	"github.com/brightsend/campaign-engine/internal/pkg/logger"
	"github.com/brightsend/campaign-engine/internal/session"
	"github.com/brightsend/campaign-engine/internal/store"
	"github.com/brightsend/campaign-engine/internal/tracking"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("config load failed", "error", err.Error())
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("database open failed", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("database unreachable", "error", err.Error())
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("invalid redis url", "error", err.Error())
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Error("redis unreachable", "error", err.Error())
		os.Exit(1)
	}

	st := store.NewStore(db)
	sessions := session.New(rdb, cfg.Session.CookieName, cfg.Session.TTL())

	transport, err := buildTransport(cfg)
	if err != nil {
		logger.Error("transport init failed", "error", err.Error())
		os.Exit(1)
	}

	refresher := credential.NewGoogleRefresher(
		cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	creds := credential.NewManager(st, refresher)

	injector := tracking.NewInjector(cfg.Tracking.BaseURL,
		cfg.Tracking.UTMSource, cfg.Tracking.UTMMedium, cfg.Tracking.UTMCampaign)
	limiter := dispatch.NewWindowLimiter(rdb, cfg.Queue.RateLimitPerWindow, cfg.Queue.RateWindow())
	dispatcher := dispatch.NewDispatcher(st, creds, limiter, transport,
		mail.NewTemplateService(), injector)

	queue := dispatch.NewQueue(dispatcher, cfg.Queue.BatchSize, cfg.Queue.BatchDelay(), cfg.Queue.MaxRetries)
	queue.Start()

	recorder := tracking.NewRecorder(st, 256)
	recorder.Start()

	handler := tracking.NewHandler(st, recorder, sessions)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.Tracking.BaseURL},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/", handler.Routes())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err.Error())
	}

	queue.Stop()
	recorder.Stop()
	logger.Info("server stopped")
}

func buildTransport(cfg *config.Config) (mail.Transport, error) {
	switch cfg.Mail.Transport {
	case "ses":
		return mail.NewSESTransport(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	default:
		return mail.NewSMTPTransport(cfg.Mail.SMTPHost, cfg.Mail.SMTPPort, cfg.Mail.Timeout()), nil
	}
}
