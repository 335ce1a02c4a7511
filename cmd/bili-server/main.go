package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bili-downloader/internal/config"
	"bili-downloader/internal/coordinator"
	"bili-downloader/internal/fetcher"
	"bili-downloader/internal/handler"
	"bili-downloader/internal/janitor"
	"bili-downloader/internal/middleware"
	"bili-downloader/internal/observability"
	"bili-downloader/internal/session"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "json"
	}
	observability.InitLogger(logLevel, logFormat)

	slog.Info("starting download server")

	files, err := fetcher.New(cfg.DownloadDir, cfg.FFmpegPath)
	if err != nil {
		slog.Error("failed to prepare download directory", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if !files.ToolAvailable() {
		slog.Warn("ffmpeg not found, downloads will be rejected until it is installed",
			slog.String("path", cfg.FFmpegPath))
	}

	registry := session.NewRegistryWithBases(cfg.CookieDir, cfg.BiliAPIBase, cfg.BiliPassportURL)
	tasks := coordinator.New(files)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go janitor.New(files, tasks, registry).Run(ctx)
	slog.Info("janitor started")

	authHandler := handler.NewAuthHandler()
	videoHandler := handler.NewVideoHandler()
	downloadHandler := handler.NewDownloadHandler(tasks, files)
	proxyHandler := handler.NewProxyHandler()

	apiLimiter := middleware.NewRateLimiter(20, 50)
	defer apiLimiter.Stop()
	streamLimiter := middleware.NewRateLimiter(50, 100)
	defer streamLimiter.Stop()

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := observability.WithRequestID(req.Context(), chimiddleware.GetReqID(req.Context()))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.CORS(middleware.ParseOrigins(cfg.AllowedOrigins)))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.Metrics())
	r.Use(middleware.OpenAPIValidator(middleware.DefaultOpenAPIValidatorConfig()))

	r.Get("/health", handler.Health)
	r.Get("/health/ready", handler.Ready(files))
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./static/index.html")
	})
	r.Get("/index.html", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusMovedPermanently)
	})
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir("./static"))))

	// Routes that act on the caller's session. The middleware mints a
	// session for first-time visitors.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Session(registry, cfg.IsProduction()))
		r.Use(apiLimiter.Middleware())

		r.Post("/api/login/qr/generate", authHandler.GenerateQR)
		r.Get("/api/login/qr/poll", authHandler.PollQR)
		r.Get("/api/login/status", authHandler.Status)
		r.Post("/api/video/info", videoHandler.Info)
		r.Post("/api/download", downloadHandler.Start)
	})

	// Read-only feeds and file retrieval stay outside the session
	// middleware: they read the cookie directly and never create sessions,
	// so anonymous watchers keep their anonymous view of tasks.
	r.Group(func(r chi.Router) {
		r.Use(streamLimiter.Middleware())

		r.Get("/api/download/progress/{task_id}", downloadHandler.Progress)
		r.Get("/api/download/ws/{task_id}", downloadHandler.ProgressWS)
		r.Get("/api/download/file/{filename}", downloadHandler.File)
		r.Get("/api/proxy/stream", proxyHandler.Stream)
	})

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// No write timeout: progress feeds and proxied streams are
		// long-lived responses.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("download server listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	cancel()

	slog.Info("server stopped gracefully")
}
