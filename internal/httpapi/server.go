// Package httpapi exposes the HTTP surface: the SES webhook endpoint, the
// outbound send endpoint, and a health check.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"github.com/haneul/mail-intake/internal/email"
	"github.com/haneul/mail-intake/internal/sender"
)

// shutdownTimeout is how long to wait for in-flight requests on shutdown.
const shutdownTimeout = 10 * time.Second

// ServerConfig holds the configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g. ":8080").
	ListenAddr string

	// Webhook handles POST /ses/inbound.
	Webhook http.Handler

	// Sender delivers messages for POST /send-email. Nil disables the
	// endpoint.
	Sender sender.Sender
}

// Server is the HTTP server hosting the webhook and send API.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
}

// NewServer creates a Server with its routes registered.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Get("/health", s.handleHealth)
	if cfg.Webhook != nil {
		r.Post("/ses/inbound", cfg.Webhook.ServeHTTP)
	}
	if cfg.Sender != nil {
		r.Post("/send-email", s.handleSendEmail)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe runs the server until the context is cancelled, then
// drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// Handler returns the configured router, used for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sendRequest is the POST /send-email payload. The to field accepts a
// single address or a list.
type sendRequest struct {
	From    string     `json:"from"`
	To      stringList `json:"to"`
	Subject string     `json:"subject"`
	Message string     `json:"message"`
	HTML    string     `json:"html"`
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if len(req.To) == 0 || req.Subject == "" || (req.Message == "" && req.HTML == "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to, subject, and message are required"})
		return
	}

	msg := &email.OutboundMessage{
		From:     req.From,
		To:       req.To,
		Subject:  req.Subject,
		TextBody: req.Message,
		HTMLBody: req.HTML,
	}

	if err := s.cfg.Sender.Send(r.Context(), msg); err != nil {
		slog.Error("send failed", "sender", s.cfg.Sender.Name(), "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "delivery failed"})
		return
	}

	slog.Info("email sent", "sender", s.cfg.Sender.Name(), "to", req.To)
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// stringList unmarshals from either a JSON string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = stringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or array of strings")
	}
	*l = stringList(many)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// requestLogger logs each request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
