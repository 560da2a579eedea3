package egress

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bookstream/internal/book"
	"github.com/sawpanic/bookstream/internal/fanout"
	"github.com/sawpanic/bookstream/internal/model"
	"github.com/sawpanic/bookstream/internal/telemetry"
)

// maxConsecutiveLag bounds how many resyncs in a row a session tolerates
// before it gives up (spec §7 WriteTimeout/Lagged propagation: "repeated lag
// beyond a threshold" terminates the session).
const maxConsecutiveLag = 5

// session implements C6: bootstrap, bus drain, depth coalescing, throttled
// flush, lag recovery, and heartbeat for one connected WebSocket client.
// Grounded on the Hub/Client split in yoghaf-market-indikator's
// internal/broadcast/server.go, replacing its single MsgPack fan-out channel
// with a fanout.Subscription plus a per-key coalescing map per spec §4.4.
type session struct {
	id    string
	conn  *websocket.Conn
	store *book.Store
	bus   *fanout.Bus
	tel   *telemetry.Collector
	cfg   Config

	sub *fanout.Subscription

	pending    map[model.Key]book.DisplaySnapshot
	lagEvents  uint64
	lagStreak  int
}

func newSession(conn *websocket.Conn, store *book.Store, bus *fanout.Bus, tel *telemetry.Collector, cfg Config) *session {
	return &session{
		id:      uuid.NewString(),
		conn:    conn,
		store:   store,
		bus:     bus,
		tel:     tel,
		cfg:     cfg,
		pending: make(map[model.Key]book.DisplaySnapshot),
	}
}

func (s *session) run() {
	defer s.conn.Close()

	s.sub = s.bus.Subscribe()
	defer s.sub.Unsubscribe()
	s.tel.IncActiveSubscribers(1)
	defer s.tel.IncActiveSubscribers(-1)

	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.HeartbeatInterval))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.HeartbeatInterval))
	})

	closed := make(chan struct{})
	go s.readPump(closed)

	log.Debug().Str("session", s.id).Msg("egress session connected")
	defer log.Debug().Str("session", s.id).Msg("egress session closed")

	if err := s.bootstrap(); err != nil {
		log.Debug().Str("session", s.id).Err(err).Msg("egress session bootstrap failed")
		return
	}

	throttle := time.NewTicker(s.cfg.EgressThrottle)
	defer throttle.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-closed:
			return
		case msg := <-s.sub.C():
			if n := s.sub.Lagged(); n > 0 {
				s.tel.RecordLagged(n)
				atomic.AddUint64(&s.lagEvents, 1)
				s.lagStreak++
				if s.lagStreak > maxConsecutiveLag {
					log.Debug().Str("session", s.id).Uint64("missed", n).Msg("egress session exceeded lag threshold, closing")
					return
				}
				s.pending = make(map[model.Key]book.DisplaySnapshot)
				if err := s.bootstrap(); err != nil {
					return
				}
				continue
			}
			if err := s.handle(msg); err != nil {
				return
			}
		case <-throttle.C:
			if err := s.flushPending(); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := s.writeControl(websocket.PingMessage); err != nil {
				return
			}
		}
	}
}

func (s *session) readPump(closed chan<- struct{}) {
	defer close(closed)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// bootstrap implements spec §4.4 step 1: symbol_list, one book_update per
// known key (skipping any still NotReady), then the current telemetry
// snapshot.
func (s *session) bootstrap() error {
	keys := s.store.Keys()
	if err := s.send(SymbolListMessage(keys)); err != nil {
		return err
	}
	for _, key := range keys {
		snap, err := s.store.DisplaySnapshot(key, 0)
		if err != nil {
			continue // NotReady: spec §7 "skip this book during bootstrap"
		}
		if err := s.send(BookUpdateMessage(key, snap)); err != nil {
			return err
		}
	}
	return s.send(MetricsMessage(s.tel.Snapshot()))
}

// handle applies one bus message: coalesce book updates, flush trades and
// metrics immediately (spec §4.4 step 3).
func (s *session) handle(msg fanout.Message) error {
	switch msg.Type {
	case fanout.MessageBookUpdate:
		if snap, ok := msg.Body.(book.DisplaySnapshot); ok {
			s.pending[msg.Key] = snap
		}
		return nil
	default:
		return s.send(messageFromBus(msg))
	}
}

func messageFromBus(msg fanout.Message) ServerMessage {
	if sm, ok := msg.Body.(ServerMessage); ok {
		return sm
	}
	return ServerMessage{Type: "unknown", Data: msg.Body}
}

func (s *session) flushPending() error {
	if len(s.pending) == 0 {
		s.lagStreak = 0
		return nil
	}
	for key, snap := range s.pending {
		if err := s.send(BookUpdateMessage(key, snap)); err != nil {
			return err
		}
	}
	s.pending = make(map[model.Key]book.DisplaySnapshot)
	s.lagStreak = 0
	return nil
}

func (s *session) send(msg ServerMessage) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) writeControl(kind int) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteControl(kind, nil, time.Now().Add(s.cfg.WriteTimeout))
}

// LagEvents reports the number of Lagged signals this session has observed,
// for diagnostics (spec §8 scenario 5's lag_events counter). Each one
// triggers a resync except the one that exceeds maxConsecutiveLag, which
// closes the session instead.
func (s *session) LagEvents() uint64 { return atomic.LoadUint64(&s.lagEvents) }
