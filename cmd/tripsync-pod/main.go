// Command tripsync-pod runs a tripsync data pod.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kilupskalvis/tripsync/internal/remote/podstore"
	"github.com/kilupskalvis/tripsync/internal/remote/server"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	listen := flag.String("listen", envOrDefault("TRIPSYNC_LISTEN", "0.0.0.0:8730"), "Listen address")
	dataDir := flag.String("data-dir", envOrDefault("TRIPSYNC_DATA_DIR", "/var/lib/tripsync-pod"), "Data directory")
	adminToken := flag.String("admin-token", os.Getenv("TRIPSYNC_ADMIN_TOKEN"), "Admin API token")
	logLevel := flag.String("log-level", envOrDefault("TRIPSYNC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("TRIPSYNC_LOG_FORMAT", "json"), "Log format (json, text)")
	logFile := flag.String("log-file", os.Getenv("TRIPSYNC_LOG_FILE"), "Write logs to this rotated file instead of stdout")
	logMaxSize := flag.Int("log-max-size-mb", envInt("TRIPSYNC_LOG_MAX_SIZE_MB", 100), "Size of a log file before rotation")
	logMaxBackups := flag.Int("log-max-backups", envInt("TRIPSYNC_LOG_MAX_BACKUPS", 5), "Rotated log files kept")
	rateLimit := flag.Int("requests-per-minute", envInt("TRIPSYNC_REQUESTS_PER_MINUTE", 0), "Per-token rate limit (0 keeps the default)")
	tlsCert := flag.String("tls-cert", os.Getenv("TRIPSYNC_TLS_CERT"), "TLS certificate file")
	tlsKey := flag.String("tls-key", os.Getenv("TRIPSYNC_TLS_KEY"), "TLS key file")
	webhookURLs := flag.String("webhook-urls", os.Getenv("TRIPSYNC_WEBHOOK_URLS"), "Comma-separated webhook URLs notified of saved and deleted operations")
	webhookSecret := flag.String("webhook-secret", os.Getenv("TRIPSYNC_WEBHOOK_SECRET"), "Sign webhook bodies with HMAC-SHA256 under this secret")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if *logFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    *logMaxSize,
			MaxBackups: *logMaxBackups,
			Compress:   true,
		}
		defer rotated.Close()
		out = rotated
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	logger := slog.New(handler)

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "error", err, "path", *dataDir)
		os.Exit(1)
	}

	pod, err := podstore.NewBboltStore(filepath.Join(*dataDir, "pod.db"))
	if err != nil {
		logger.Error("failed to open pod store", "error", err)
		os.Exit(1)
	}
	defer pod.Close()

	tokens := server.NewFileTokenStore(filepath.Join(*dataDir, "tokens.json"), logger)
	if err := tokens.Load(); err != nil {
		logger.Warn("no token store loaded, starting empty", "error", err)
	}

	cfg := server.DefaultServerConfig()
	cfg.AdminToken = *adminToken
	if *rateLimit > 0 {
		cfg.RequestsPerMinute = *rateLimit
	}

	if urls := splitList(*webhookURLs); len(urls) > 0 {
		cfg.Webhooks = server.NewWebhookNotifier(&server.WebhookConfig{URLs: urls, Secret: *webhookSecret}, logger)
		logger.Info("webhooks configured", "count", len(urls), "signed", *webhookSecret != "")
	}

	h, handlerCleanup := server.Handler(pod, tokens, cfg, logger)
	defer handlerCleanup()

	srv := &http.Server{
		Addr:              *listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting tripsync-pod", "listen", *listen, "data_dir", *dataDir)
		var err error
		if *tlsCert != "" && *tlsKey != "" {
			err = srv.ListenAndServeTLS(*tlsCert, *tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	cfg.Webhooks.Close(ctx)
	logger.Info("server stopped")
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return v
}

// splitList splits a comma-separated flag, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, u := range strings.Split(s, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
