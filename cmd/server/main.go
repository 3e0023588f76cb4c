package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"

	"github.com/jusunglee/ttc-go/api/handlers"
	"github.com/jusunglee/ttc-go/pkg/ttc"
)

func main() {
	var (
		configFile = flag.String("config", "", "YAML config file")
		port       = flag.String("port", "", "Server port (overrides config)")
		dbPath     = flag.String("db", "", "Catalog database path (overrides config)")
	)
	flag.Parse()

	config, err := ttc.LoadConfig(*configFile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *port != "" {
		config.Port = *port
	}
	if *dbPath != "" {
		config.DatabasePath = *dbPath
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ttc.NewLocal(ctx, config)
	if err != nil {
		slog.Error("Failed to open catalog", "path", config.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if status, err := client.GetCatalogStatus(ctx); err == nil {
		if status.Counts.Stops == 0 {
			slog.Warn("Catalog is empty, run the ingest command first", "path", config.DatabasePath)
		} else {
			slog.Info("Catalog loaded",
				"routes", status.Counts.Routes,
				"directions", status.Counts.Directions,
				"stops", status.Counts.Stops)
		}
	}

	r := mux.NewRouter()
	h := handlers.NewHandler(client, config.NearestDefault)
	h.RegisterRoutes(r)

	r.Use(loggingMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: config.HTTPTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := run(ctx, srv); err != nil {
		slog.Error("Server stopped with error", "error", err)
		client.Close()
		stop()
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

// run serves until ctx is cancelled or the listener fails, then shuts srv
// down gracefully
func run(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("Request",
			"method", r.Method,
			"uri", r.RequestURI,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
