// Package main is the entry point for the mail intake service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/haneul/mail-intake/internal/blob"
	"github.com/haneul/mail-intake/internal/classifier"
	"github.com/haneul/mail-intake/internal/config"
	"github.com/haneul/mail-intake/internal/httpapi"
	"github.com/haneul/mail-intake/internal/ingest"
	"github.com/haneul/mail-intake/internal/sender"
	"github.com/haneul/mail-intake/internal/smtp"
	"github.com/haneul/mail-intake/internal/store"
	smtptls "github.com/haneul/mail-intake/internal/tls"
	"github.com/haneul/mail-intake/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the ingest store
	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.DB.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Load or generate TLS certificates for STARTTLS
	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	cls := selectClassifier(cfg)
	pipeline := ingest.New(st, cls)

	// SMTP listener
	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Ingestor:       pipeline,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	// Webhook + HTTP API
	hook := webhook.New(pipeline, selectFetcher(ctx, cfg))
	httpServer := httpapi.NewServer(httpapi.ServerConfig{
		ListenAddr: cfg.HTTP.Listen,
		Webhook:    hook,
		Sender:     selectSender(ctx, cfg),
	})

	slog.Info("starting mail-intake",
		"smtp_listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"db_path", cfg.DB.Path,
		"classifier", cls.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- smtpServer.ListenAndServe(ctx) }()
	go func() { errCh <- httpServer.ListenAndServe(ctx) }()

	// Either server failing takes the whole process down
	if err := <-errCh; err != nil {
		slog.Error("server error", "error", err)
		cancel()
		<-errCh
		os.Exit(1)
	}
	cancel()
	if err := <-errCh; err != nil {
		slog.Error("server error", "error", err)
	}

	// Let in-flight classification finish before closing the store
	pipeline.Wait()

	slog.Info("mail-intake stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectClassifier chooses the advisory classifier. Without an OpenAI key
// messages are stored unlabeled.
func selectClassifier(cfg *config.Config) classifier.Classifier {
	if !cfg.ClassifierConfigured() {
		slog.Info("no classifier configured, messages stay unlabeled")
		return classifier.Noop{}
	}
	slog.Info("using OpenAI classifier", "model", cfg.OpenAI.Model)
	return classifier.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
}

// selectSender chooses the outbound delivery backend: SES when configured,
// stdout otherwise.
func selectSender(ctx context.Context, cfg *config.Config) sender.Sender {
	if !cfg.SESConfigured() {
		slog.Info("SES not configured, using stdout sender")
		return sender.NewStdout()
	}

	slog.Info("using AWS SES sender",
		"region", cfg.AWS.Region,
		"sender", cfg.AWS.Sender,
	)
	s, err := sender.NewSES(ctx, sender.SESConfig{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		Sender:          cfg.AWS.Sender,
	})
	if err != nil {
		slog.Error("failed to create SES sender", "error", err)
		os.Exit(1)
	}
	return s
}

// selectFetcher builds the S3 fetcher for externally stored raw mail. A nil
// fetcher means notifications without inline content become stub records.
func selectFetcher(ctx context.Context, cfg *config.Config) webhook.RawFetcher {
	if cfg.AWS.Region == "" {
		return nil
	}

	f, err := blob.NewS3(ctx, blob.S3FetcherConfig{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
	})
	if err != nil {
		slog.Warn("failed to create S3 fetcher, stored content will not be retrieved", "error", err)
		return nil
	}
	return f
}
