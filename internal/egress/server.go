package egress

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bookstream/internal/book"
	"github.com/sawpanic/bookstream/internal/fanout"
	"github.com/sawpanic/bookstream/internal/telemetry"
)

// Config bounds server timeouts and per-subscriber behavior (spec §6).
type Config struct {
	ListenAddr       string
	EgressThrottle   time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout     time.Duration
}

// DefaultConfig mirrors spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        "0.0.0.0:8080",
		EgressThrottle:    1000 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server owns the egress HTTP/WebSocket listener (spec §5: "one accept loop
// for egress connections"). Grounded on the mux-router/middleware shape of
// internal/interfaces/http/server.go from the teacher repository, with the
// read-only REST routes replaced by a WebSocket upgrade endpoint plus
// health/metrics probes.
type Server struct {
	router *mux.Router
	http   *http.Server
	cfg    Config

	store *book.Store
	bus   *fanout.Bus
	tel   *telemetry.Collector
}

// New builds a Server wired to the shared book store, fan-out bus, and
// telemetry collector.
func New(cfg Config, store *book.Store, bus *fanout.Bus, tel *telemetry.Collector) *Server {
	s := &Server{cfg: cfg, store: store, bus: bus, tel: tel, router: mux.NewRouter()}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// healthzVenue reports one venue's book readiness for handleHealthz.
type healthzVenue struct {
	Ready int `json:"ready"`
	Total int `json:"total"`
}

// handleHealthz reports process liveness plus per-venue book readiness
// (spec §12: operators need to know which venues are currently serving
// reconciled books without connecting a WebSocket client).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	venues := make(map[string]healthzVenue)
	for venue, c := range s.store.ReadyCounts() {
		venues[string(venue)] = healthzVenue{Ready: c[0], Total: c[1]}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Status      string                  `json:"status"`
		Subscribers int                     `json:"subscribers"`
		Venues      map[string]healthzVenue `json:"venues"`
	}{Status: "ok", Subscribers: s.bus.SubscriberCount(), Venues: venues})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	sess := newSession(conn, s.store, s.bus, s.tel, s.cfg)
	go sess.run()
}

// Start serves until the process shuts down (spec §6: exits non-zero only on
// bind failure).
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("egress server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully closes the HTTP listener and waits for in-flight
// requests. It does not drain the fan-out bus, and upgraded WebSocket
// sessions are not closed by it.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
