package ws

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crawlparty.io/internal/protocol"
	"crawlparty.io/internal/session"
	"crawlparty.io/internal/sim/world"
)

type Config struct {
	// AccessKey, when set, must accompany hello create/join.
	AccessKey         string
	MaxProtocolErrors int
	OutboxSize        int
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxProtocolErrors: 3,
		OutboxSize:        64,
		HandshakeTimeout:  5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Second,
		PingInterval:      20 * time.Second,
	}
}

// Stats are process-wide connection counters.
type Stats struct {
	Open           int64
	Accepted       uint64
	HandshakeFails uint64
	ProtocolErrors uint64
	Dropped        uint64
}

// Server is the connection handler: it binds a websocket to a participant
// and translates frames. It never touches world state.
type Server struct {
	reg     *session.Registry
	schemas *protocol.Schemas
	cfg     Config
	log     *log.Logger

	upgrader websocket.Upgrader

	open           atomic.Int64
	accepted       atomic.Uint64
	handshakeFails atomic.Uint64
	protocolErrors atomic.Uint64
	dropped        atomic.Uint64
}

func NewServer(reg *session.Registry, schemas *protocol.Schemas, cfg Config, logger *log.Logger) *Server {
	def := DefaultConfig()
	if cfg.MaxProtocolErrors <= 0 {
		cfg.MaxProtocolErrors = def.MaxProtocolErrors
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout / 3
	}
	return &Server{
		reg:     reg,
		schemas: schemas,
		cfg:     cfg,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Open:           s.open.Load(),
		Accepted:       s.accepted.Load(),
		HandshakeFails: s.handshakeFails.Load(),
		ProtocolErrors: s.protocolErrors.Load(),
		Dropped:        s.dropped.Load(),
	}
}

// conn is one bound connection.
type conn struct {
	ws   *websocket.Conn
	sess *session.Session
	pid  string
	eid  string
	out  *session.Outbox

	errors int
	// left is set when the participant ended its membership on purpose.
	left bool
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		wsConn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer wsConn.Close()
		s.open.Add(1)
		defer s.open.Add(-1)

		c, err := s.handshake(wsConn)
		if err != nil {
			s.handshakeFails.Add(1)
			s.log.Printf("handshake from %s failed: %v", r.RemoteAddr, err)
			s.reject(wsConn, err)
			return
		}
		s.accepted.Add(1)
		s.log.Printf("%s bound to session %s as %s", r.RemoteAddr, c.sess.ID(), c.pid)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			s.writeLoop(ctx, c)
		}()

		wsConn.SetPongHandler(func(string) error {
			return wsConn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
		s.readLoop(ctx, c)

		// The session closes the outbox on disconnect, leave or shutdown; the
		// writer flushes what is left (e.g. a final error) before exiting.
		if !c.left {
			c.sess.Disconnect(c.pid, c.out)
		}
		select {
		case <-writerDone:
		case <-time.After(s.cfg.WriteTimeout):
			cancel()
			<-writerDone
		}
	}
}

// handshake reads the hello frame and binds the connection. Welcome and the
// first state are queued on the outbox by the session itself.
func (s *Server) handshake(ws *websocket.Conn) (*conn, error) {
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if err := s.schemas.Validate(msg); err != nil {
		return nil, err
	}
	env, err := protocol.DecodeEnvelope(msg)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.TypeHello {
		return nil, fmt.Errorf("%w: expected hello, got %s", protocol.ErrBadFrame, env.Type)
	}
	var hello protocol.HelloData
	if err := protocol.DecodeData(env, &hello); err != nil {
		return nil, err
	}

	out := session.NewOutbox(s.cfg.OutboxSize)
	var (
		sess *session.Session
		res  session.JoinResult
	)
	switch hello.Op {
	case protocol.HelloCreate:
		if err := s.checkKey(hello.AccessKey); err != nil {
			return nil, err
		}
		sess, res, err = s.reg.Create(hello.Name, session.CreateOptions{
			ActionsPerRound: hello.ActionsPerRound,
			Conflict:        world.ConflictPolicy(hello.ConflictPolicy),
		}, out)
	case protocol.HelloJoin:
		if err := s.checkKey(hello.AccessKey); err != nil {
			return nil, err
		}
		sess, res, err = s.reg.Join(hello.SessionID, hello.Name, out)
	case protocol.HelloReconnect:
		sess, res, err = s.reg.Reconnect(hello.SessionID, hello.Credential, out)
	default:
		err = fmt.Errorf("%w: unknown hello op %q", protocol.ErrBadFrame, hello.Op)
	}
	if err != nil {
		return nil, err
	}
	return &conn{ws: ws, sess: sess, pid: res.ParticipantID, eid: res.EntityID, out: out}, nil
}

func (s *Server) checkKey(key string) error {
	if s.cfg.AccessKey == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AccessKey)) != 1 {
		return fmt.Errorf("%w: bad access key", session.ErrAuthFailed)
	}
	return nil
}

// reject writes a single error frame and closes. It runs before the writer
// goroutine exists, so writing here is safe.
func (s *Server) reject(ws *websocket.Conn, err error) {
	code := session.Code(err)
	if errors.Is(err, protocol.ErrBadFrame) {
		code = protocol.ErrProtoBadRequest
	}
	if b := errorFrame(code, err.Error()); b != nil {
		_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		_ = ws.WriteMessage(websocket.TextMessage, b)
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}

// writeLoop is the only writer after the handshake. When the session
// detaches the outbox it flushes what is queued and closes the socket, which
// also unblocks the reader.
func (s *Server) writeLoop(ctx context.Context, c *conn) {
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	write := func(b []byte) bool {
		_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		return c.ws.WriteMessage(websocket.TextMessage, b) == nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.out.C():
			if !write(b) {
				_ = c.ws.Close()
				return
			}
		case <-c.out.Done():
			for {
				select {
				case b := <-c.out.C():
					if !write(b) {
						_ = c.ws.Close()
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session detached"), time.Now().Add(time.Second))
			_ = c.ws.Close()
			return
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for ctx.Err() == nil {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if err := s.dispatch(c, msg); err != nil {
			if errors.Is(err, protocol.ErrBadFrame) {
				if s.protocolError(c, err) {
					return
				}
				continue
			}
			if errors.Is(err, session.ErrSessionGone) || errors.Is(err, session.ErrUnknownParticipant) {
				return
			}
			s.send(c, errorFrame(session.Code(err), err.Error()))
		}
		if c.left {
			return
		}
	}
}

// protocolError reports a malformed frame and says whether the connection
// has used up its allowance.
func (s *Server) protocolError(c *conn, err error) bool {
	s.protocolErrors.Add(1)
	c.errors++
	if c.errors >= s.cfg.MaxProtocolErrors {
		s.log.Printf("dropping %s in session %s after %d bad frames: %v", c.pid, c.sess.ID(), c.errors, err)
		s.dropped.Add(1)
		s.send(c, errorFrame(protocol.ErrProtoTooMany, err.Error()))
		return true
	}
	s.send(c, errorFrame(protocol.ErrProtoBadRequest, err.Error()))
	return false
}

func (s *Server) dispatch(c *conn, msg []byte) error {
	if err := s.schemas.Validate(msg); err != nil {
		return err
	}
	env, err := protocol.DecodeEnvelope(msg)
	if err != nil {
		return err
	}

	switch env.Type {
	case protocol.TypeAction:
		var data protocol.ActionData
		if err := protocol.DecodeData(env, &data); err != nil {
			return err
		}
		act, err := protocol.DecodeAction(data)
		if err != nil {
			return err
		}
		if data.DryRun {
			s.send(c, precheckFrame(c.sess.Precheck(c.pid, act)))
			return nil
		}
		// Rejections and faults reach the client through the session.
		_, err = c.sess.Submit(c.pid, act)
		return err

	case protocol.TypeChat:
		var data protocol.ChatData
		if err := protocol.DecodeData(env, &data); err != nil {
			return err
		}
		return c.sess.Chat(c.pid, data.Text)

	case protocol.TypeQuickCommand:
		var data protocol.QuickCommandData
		if err := protocol.DecodeData(env, &data); err != nil {
			return err
		}
		switch data.Command {
		case protocol.QuickWait:
			actor := data.ActorID
			if actor == "" {
				actor = c.eid
			}
			_, err := c.sess.Submit(c.pid, world.Wait{ActorID: actor})
			return err
		case protocol.QuickResync:
			return c.sess.Resync(c.pid)
		}
		return fmt.Errorf("%w: unknown quick command %q", protocol.ErrBadFrame, data.Command)

	case protocol.TypePause:
		var data protocol.PauseData
		if err := protocol.DecodeData(env, &data); err != nil {
			return err
		}
		return c.sess.Pause(c.pid, data.Paused)

	case protocol.TypeControl:
		var data protocol.ControlData
		if err := protocol.DecodeData(env, &data); err != nil {
			return err
		}
		if err := c.sess.Control(c.pid, data); err != nil {
			return err
		}
		if data.Op == protocol.ControlLeave || data.Op == protocol.ControlDisband {
			c.left = true
		}
		return nil
	}
	return fmt.Errorf("%w: unexpected %s frame", protocol.ErrBadFrame, env.Type)
}

// send queues a connection-local reply behind whatever the session already
// queued. A full queue drops it; the client resyncs from session traffic.
func (s *Server) send(c *conn, b []byte) {
	if b != nil {
		c.out.Send(b)
	}
}

func errorFrame(code, message string) []byte {
	b, err := protocol.Encode(protocol.TypeSystem, time.Now(), protocol.SystemData{
		Event:   protocol.EventError,
		Code:    code,
		Message: message,
	})
	if err != nil {
		return nil
	}
	return b
}

func precheckFrame(rej *world.Rejection) []byte {
	ok := rej == nil
	data := protocol.SystemData{Event: protocol.EventPrecheck, OK: &ok}
	if rej != nil {
		data.Code, data.Message = rej.Code, rej.Message
	}
	b, err := protocol.Encode(protocol.TypeSystem, time.Now(), data)
	if err != nil {
		return nil
	}
	return b
}
