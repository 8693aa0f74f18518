// Package observer serves read-only spectator streams. A spectator sees the
// same state, delta, chat and system frames as the party but never binds to
// a participant.
package observer

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crawlparty.io/internal/session"
)

type Config struct {
	// AccessKey, when set, must be passed as ?access_key=.
	AccessKey    string
	OutboxSize   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		OutboxSize:   128,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		PingInterval: 20 * time.Second,
	}
}

type Server struct {
	reg *session.Registry
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader
	open     atomic.Int64
	served   atomic.Uint64
}

func NewServer(reg *session.Registry, cfg Config, logger *log.Logger) *Server {
	def := DefaultConfig()
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout / 2
	}
	return &Server{
		reg: reg,
		cfg: cfg,
		log: log.New(logger.Writer(), "[observer] ", logger.Flags()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Open is the number of live spectator connections; Served counts every
// spectator ever attached.
func (s *Server) Open() int64    { return s.open.Load() }
func (s *Server) Served() uint64 { return s.served.Load() }

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AccessKey == "" {
		return true
	}
	key := r.URL.Query().Get("access_key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AccessKey)) == 1
}

// SummaryHandler answers GET ...?session_id= with the session's summary so
// a viewer can decide whether to attach.
func (s *Server) SummaryHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.authorized(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		sess, err := s.reg.Get(r.URL.Query().Get("session_id"))
		if err != nil {
			http.Error(rw, err.Error(), statusFor(err))
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(sess.Summary())
	}
}

// WSHandler upgrades and streams the session named by ?session_id= until the
// viewer disconnects or the session ends. Inbound frames are read only to
// notice the close.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		sess, err := s.reg.Get(r.URL.Query().Get("session_id"))
		if err != nil {
			http.Error(rw, err.Error(), statusFor(err))
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		out := session.NewOutbox(s.cfg.OutboxSize)
		if err := sess.Watch(out); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(time.Second))
			return
		}
		defer sess.Unwatch(out)
		s.open.Add(1)
		defer s.open.Add(-1)
		s.served.Add(1)
		s.log.Printf("%s watching session %s", r.RemoteAddr, sess.ID())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			s.writeLoop(ctx, conn, out)
		}()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		cancel()
		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writerDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, out *session.Outbox) {
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	write := func(b []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, b) == nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-out.C():
			if !write(b) {
				_ = conn.Close()
				return
			}
		case <-out.Done():
			for {
				select {
				case b := <-out.C():
					if write(b) {
						continue
					}
				default:
				}
				break
			}
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionGone):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
