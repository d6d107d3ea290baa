package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/rhovanion/proxytester/internal/logger"
)

// Server exposes a Collector over HTTP: a point-in-time JSON snapshot, a
// liveness check, and a websocket stream pushing a snapshot every tick.
// Bearer-token auth is optional and, when enabled, mirrors the teacher's
// portal session token shape without the cookie/session machinery a
// batch-oriented metrics endpoint has no use for.
type Server struct {
	collector  *Collector
	authSecret []byte // nil disables auth
	upgrader   websocket.Upgrader
}

// NewServer creates a metrics Server. If authSecret is non-empty, requests
// to /metrics and /metrics/stream must carry "Authorization: Bearer <token>"
// signed with it; /health stays open.
func NewServer(collector *Collector, authSecret []byte) *Server {
	return &Server{
		collector:  collector,
		authSecret: authSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// IssueToken mints a bearer token for external clients of /metrics. It is
// exposed for the CLI to print at startup rather than served over HTTP,
// since there is no login flow to gate it behind.
func (s *Server) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(s.authSecret) == 0 {
		return "", fmt.Errorf("metrics: auth not enabled")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.authSecret)
}

func (s *Server) authorized(r *http.Request) bool {
	if len(s.authSecret) == 0 {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	raw := strings.TrimPrefix(header, prefix)

	parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return s.authSecret, nil
	})
	return err == nil && parsed.Valid
}

// Handler returns the mux serving /metrics, /health, and /metrics/stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics/stream", s.handleStream)
	return mux
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.collector.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("metrics: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(s.collector.Snapshot()); err != nil {
			return
		}
	}
}
