// Package gateway exposes the HTTP surface of the chat server: health,
// stats, history, and the WebSocket bridge that lets browser clients join
// the TCP chat core.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/filipexyz/chatd/internal/config"
	"github.com/filipexyz/chatd/internal/history"
	"github.com/filipexyz/chatd/internal/metrics"
)

// Gateway is the HTTP server in front of the chat core.
type Gateway struct {
	cfg      *config.Config
	metrics  *metrics.Collector
	history  *history.Ring
	chatAddr string
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a gateway that bridges WebSocket sessions onto the chat
// listener at chatAddr.
func New(cfg *config.Config, m *metrics.Collector, hist *history.Ring, chatAddr string) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		metrics:  m,
		history:  hist,
		chatAddr: chatAddr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.CORSOrigins),
		},
	}
	g.server = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: g.Handler(),
	}
	return g
}

// Handler builds the chi router. Exposed for tests.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: g.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/healthz", g.handleHealth)
	r.Get("/api/v1/stats", g.handleStats)
	r.Get("/api/v1/history", g.handleHistory)
	r.Get("/ws", g.handleWS)
	return r
}

// Start serves HTTP until Shutdown.
func (g *Gateway) Start() error { return g.server.ListenAndServe() }

// Shutdown drains inflight requests.
func (g *Gateway) Shutdown(ctx context.Context) error { return g.server.Shutdown(ctx) }

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.metrics.Snapshot())
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
			return
		}
		n = parsed
	}
	lines := g.history.Last(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"history": lines})
}

// originChecker allows the configured CORS origins on the WebSocket
// upgrade; a lone "*" allows everything.
func originChecker(origins []string) func(*http.Request) bool {
	allowAll := len(origins) == 1 && origins[0] == "*"
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		return allowed[origin]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
