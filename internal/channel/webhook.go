package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"onecell/internal/domain"
)

const maxWebhookBody = 1 << 20

// WebhookIngestor receives raw push payloads for a platform.
type WebhookIngestor interface {
	IngestWebhook(ctx context.Context, platform domain.PlatformID, payload []byte) error
}

// WebhookSecrets holds the per-platform values used to authenticate pushes.
type WebhookSecrets struct {
	VerifyToken string // hub.verify_token for the GET handshake
	AppSecret   string // X-Hub-Signature-256 HMAC key (Graph platforms)
	SecretToken string // X-Telegram-Bot-Api-Secret-Token
}

type WebhookServerConfig struct {
	Host        string
	Port        int
	PathPrefix  string // default: /webhooks
	Secrets     map[domain.PlatformID]WebhookSecrets
	Ingestor    WebhookIngestor
	Metrics     http.Handler // mounted at MetricsPath when non-nil
	MetricsPath string       // default: /metrics
	Logger      *slog.Logger
}

// WebhookServer is the HTTP ingress for platform push notifications.
type WebhookServer struct {
	cfg    WebhookServerConfig
	logger *slog.Logger
	router chi.Router
	server *http.Server
}

func NewWebhookServer(cfg WebhookServerConfig) *WebhookServer {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/webhooks"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &WebhookServer{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.Metrics != nil {
		if cfg.MetricsPath == "" {
			cfg.MetricsPath = "/metrics"
		}
		r.Method(http.MethodGet, cfg.MetricsPath, cfg.Metrics)
	}
	// Without an ingestor the server only exposes health and metrics.
	if cfg.Ingestor != nil {
		r.Route(cfg.PathPrefix, func(r chi.Router) {
			r.Get("/{platform}", s.handleVerification)
			r.Post("/{platform}", s.handleIncoming)
		})
	}
	s.router = r
	return s
}

// Handler exposes the router for embedding and tests.
func (s *WebhookServer) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *WebhookServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("webhook server starting", "addr", s.server.Addr, "prefix", s.cfg.PathPrefix)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (s *WebhookServer) platform(r *http.Request) (domain.PlatformID, bool) {
	p, err := domain.ParsePlatform(chi.URLParam(r, "platform"))
	return p, err == nil
}

// handleVerification answers the hub.challenge subscription handshake.
func (s *WebhookServer) handleVerification(rw http.ResponseWriter, r *http.Request) {
	platform, ok := s.platform(r)
	if !ok {
		http.NotFound(rw, r)
		return
	}
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	expected := s.cfg.Secrets[platform].VerifyToken
	if mode == "subscribe" && expected != "" && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1 {
		s.logger.Info("webhook verified", "platform", platform)
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.Header().Set("X-Content-Type-Options", "nosniff")
		rw.WriteHeader(http.StatusOK)
		io.WriteString(rw, challenge)
		return
	}

	s.logger.Warn("webhook verification failed", "platform", platform, "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// handleIncoming accepts a push payload. Once authenticated the request is
// always acknowledged, whether or not it carried a decodable message.
func (s *WebhookServer) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	platform, ok := s.platform(r)
	if !ok {
		http.NotFound(rw, r)
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	secrets := s.cfg.Secrets[platform]
	switch {
	case platform == domain.Telegram && secrets.SecretToken != "":
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secrets.SecretToken)) != 1 {
			s.logger.Warn("webhook secret token mismatch", "platform", platform)
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	case platform != domain.Telegram && secrets.AppSecret != "":
		if !verifyHMAC(body, secrets.AppSecret, r.Header.Get("X-Hub-Signature-256")) {
			s.logger.Warn("webhook invalid signature", "platform", platform)
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	if s.cfg.Ingestor != nil {
		if err := s.cfg.Ingestor.IngestWebhook(r.Context(), platform, body); err != nil {
			s.logger.Warn("webhook payload not ingested", "platform", platform, "err", err)
		}
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(map[string]bool{"success": true})
}

// verifyHMAC verifies an X-Hub-Signature-256 value ("sha256=<hex>") for body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
