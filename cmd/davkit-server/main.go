// Command davkit-server runs a file-backed CalDAV/CardDAV server. It is
// meant for development and interoperability testing, not production use.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/davkit/davkit/caldav"
	"github.com/davkit/davkit/carddav"
	"github.com/davkit/davkit/internal/metrics"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		addr       = flag.String("addr", envOr("DAVKIT_ADDR", ":8080"), "listen address")
		calDir     = flag.String("cal-dir", envOr("DAVKIT_CAL_DIR", "./calendars"), "directory holding .ics files")
		cardDir    = flag.String("card-dir", envOr("DAVKIT_CARD_DIR", "./contacts"), "directory holding .vcf files")
		tzName     = flag.String("timezone", envOr("DAVKIT_TIMEZONE", "UTC"), "default timezone for floating date-times")
		logVerbose = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *logVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	loc, err := time.LoadLocation(*tzName)
	if err != nil {
		logger.Error("invalid timezone", slog.String("timezone", *tzName), slog.Any("error", err))
		os.Exit(1)
	}

	for _, dir := range []string{*calDir, *cardDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create data directory", slog.String("dir", dir), slog.Any("error", err))
			os.Exit(1)
		}
	}

	calHandler := &caldav.Handler{
		Backend:  newFileCalendarBackend(*calDir, "/calendars/"),
		Location: loc,
		Logger:   logger,
	}
	cardHandler := &carddav.Handler{
		Backend: newFileAddressBookBackend(*cardDir, "/contacts/"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Handle("/metrics", metrics.Handler())
	r.Handle("/calendars/*", calHandler)
	r.Handle("/contacts/*", cardHandler)
	r.Handle("/.well-known/caldav", calHandler)
	r.Handle("/.well-known/carddav", cardHandler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server listening",
			slog.String("addr", *addr),
			slog.String("cal_dir", *calDir),
			slog.String("card_dir", *cardDir))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
}
