package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"crawlparty.io/internal/protocol"
	"crawlparty.io/internal/sim/dungeon"
	"crawlparty.io/internal/sim/world"
)

type Status string

const (
	StatusLobby  Status = "lobby"
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

const (
	maxNameLen = 32
	maxChatLen = 280
)

// Deps are the collaborators a session consumes.
type Deps struct {
	Generate    func(seed int64, cfg dungeon.Config) (world.Layout, error)
	Formulas    world.Formulas
	Driver      Driver
	Credentials *Credentials
	Recorder    Recorder
	Logger      *log.Logger
	Now         func() time.Time
}

// Session is one party: an authoritative world state, its turn coordinator
// and the participants bound to it. Everything below the request channel is
// owned by the Run goroutine; other goroutines talk to it only through the
// exported methods, which enqueue requests in server-receipt order.
type Session struct {
	id      string
	created time.Time
	cfg     Config
	deps    Deps
	logger  *log.Logger

	st           *world.State
	coord        *Coordinator
	spawns       []world.Pos
	participants map[string]*participant
	spectators   map[*Outbox]struct{}
	order        []string
	host         string
	status       Status
	paused       bool
	nextPID      int
	lastTurn     uint64
	emptySince   time.Time
	deltas       uint64
	endReason    string

	inbox      chan request
	stop       chan struct{}
	stopOnce   sync.Once
	stopReason string
	done       chan struct{}
	err        error

	view atomic.Pointer[view]
}

type view struct {
	st      *world.State
	summary Summary
}

// Summary is a read-only view published after every request.
type Summary struct {
	ID               string    `json:"id"`
	Status           Status    `json:"status"`
	Paused           bool      `json:"paused"`
	Host             string    `json:"host,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ActionsPerRound  int       `json:"actions_per_round"`
	Conflict         string    `json:"conflict_policy"`
	Participants     int       `json:"participants"`
	Connected        int       `json:"connected"`
	TurnCount        uint64    `json:"turn_count"`
	RoundActionCount int       `json:"round_action_count"`
	Seq              uint64    `json:"seq"`
	Deltas           uint64    `json:"deltas"`
	Rounds           uint64    `json:"rounds"`
	DriverTimeouts   uint64    `json:"driver_timeouts"`
	EmptySince       time.Time `json:"empty_since,omitempty"`
	Spectators       int       `json:"spectators"`
}

// New generates the world and prepares the session in the lobby. Call Run
// to start processing.
func New(id string, cfg Config, deps Deps) (*Session, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Generate == nil {
		return nil, fmt.Errorf("session %s: no world generator", id)
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	logger = log.New(logger.Writer(), fmt.Sprintf("[session %s] ", id), logger.Flags())

	layout, err := deps.Generate(cfg.Seed, cfg.Dungeon)
	if err != nil {
		return nil, fmt.Errorf("generate world: %w", err)
	}
	st, err := world.New(layout)
	if err != nil {
		return nil, fmt.Errorf("build world: %w", err)
	}

	s := &Session{
		id:           id,
		created:      deps.Now(),
		cfg:          cfg,
		deps:         deps,
		logger:       logger,
		st:           st,
		spawns:       layout.Spawns,
		participants: map[string]*participant{},
		spectators:   map[*Outbox]struct{}{},
		status:       StatusLobby,
		inbox:        make(chan request, 256),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.coord = NewCoordinator(cfg.ActionsPerRound, st, cfg.Rules, deps.Formulas, deps.Driver, cfg.DriverTimeout, logger)
	s.deps.Recorder.SessionStarted(s.info(), st.Snapshot())
	s.publish()
	return s, nil
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Config() Config        { return s.cfg }
func (s *Session) Done() <-chan struct{} { return s.done }
func (s *Session) Summary() Summary      { return s.view.Load().summary }

// Err is the reason Run stopped. Valid after Done is closed.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:              s.id,
		CreatedAt:       s.created,
		ActionsPerRound: s.cfg.ActionsPerRound,
		Conflict:        string(s.cfg.Rules.Conflict),
		Seed:            s.cfg.Seed,
		Map:             s.st.Terrain().Ref(),
	}
}

// Run is the single writer of the session. It returns when the session ends:
// context cancellation, Close, disband, or a fatal invariant violation. A
// panic ends only this session.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("PANIC: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("session %s panicked: %v", s.id, r)
			s.shutdown(protocol.EventTerminated, protocol.ErrSessionTerminated, "session terminated; reconnect to a fresh session")
		}
		s.finish(err)
	}()

	ticker := time.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(protocol.EventTerminated, protocol.ErrSessionGone, "server shutting down")
			return ctx.Err()
		case <-s.stop:
			s.shutdown(protocol.EventDisbanded, protocol.ErrSessionGone, s.stopReason)
			return nil
		case req := <-s.inbox:
			if err := s.handle(ctx, req); err != nil {
				s.logger.Printf("FATAL: %v", err)
				s.shutdown(protocol.EventTerminated, protocol.ErrSessionTerminated, "session terminated; reconnect to a fresh session")
				return err
			}
			if s.status == StatusActive && s.st.PartyWiped() {
				s.logger.Printf("party wiped out at turn %d", s.st.TurnCount())
				s.shutdown(protocol.EventWiped, protocol.ErrSessionGone, "party wiped out")
			}
			s.publish()
			if s.status == StatusEnded {
				return nil
			}
		case <-ticker.C:
			s.resyncAll()
		}
	}
}

// Close ends the session and waits for Run to return. In-flight and later
// requests fail with ErrSessionGone.
func (s *Session) Close(reason string) {
	s.stopOnce.Do(func() {
		s.stopReason = reason
		close(s.stop)
	})
	<-s.done
}

func (s *Session) handle(ctx context.Context, req request) error {
	switch r := req.(type) {
	case joinReq:
		return s.handleJoin(r)
	case attachReq:
		return s.handleAttach(r)
	case submitReq:
		return s.handleSubmit(ctx, r)
	case chatReq:
		r.resp <- s.handleChat(r)
		return nil
	case controlReq:
		return s.handleControl(r)
	case pauseReq:
		r.resp <- s.handlePause(r)
		return nil
	case resyncReq:
		if p := s.participants[r.pid]; p != nil {
			s.sendState(p)
		}
		return nil
	case disconnectReq:
		return s.handleDisconnect(r)
	case graceReq:
		return s.handleGraceExpired(r)
	case snapshotReq:
		r.resp <- s.st.Snapshot()
		return nil
	case watchReq:
		r.resp <- s.handleWatch(r)
		return nil
	case unwatchReq:
		s.handleUnwatch(r)
		return nil
	}
	return fmt.Errorf("unknown request %T", req)
}

// committed records, checks and broadcasts a delta that was just committed.
func (s *Session) committed(d world.Delta, except string) error {
	s.deps.Recorder.Delta(s.id, d)
	s.deltas++
	if err := s.st.CheckInvariants(s.cfg.ActionsPerRound, s.isLive); err != nil {
		return err
	}
	if s.st.TurnCount() < s.lastTurn {
		return fmt.Errorf("%w: turn_count went from %d to %d", world.ErrInvariant, s.lastTurn, s.st.TurnCount())
	}
	s.lastTurn = s.st.TurnCount()

	frame := s.encode(protocol.TypeDelta, protocol.DeltaFrom(d))
	for _, pid := range s.order {
		if pid != except {
			s.deliver(s.participants[pid], frame)
		}
	}
	s.spectate(frame)
	return nil
}

func (s *Session) isLive(pid string) bool {
	p := s.participants[pid]
	return p != nil && p.status != StatusRemoved
}

func (s *Session) handleSubmit(ctx context.Context, r submitReq) error {
	p := s.participants[r.pid]
	if p == nil {
		r.resp <- submitResp{err: ErrUnknownParticipant}
		return nil
	}

	var rej *world.Rejection
	switch {
	case s.status != StatusActive:
		rej = &world.Rejection{Code: RejectNotActive, Message: "session has not started"}
	case s.paused:
		rej = &world.Rejection{Code: RejectPaused, Message: "session is paused"}
	}
	if rej != nil {
		s.sendSystem(p, protocol.SystemData{Event: protocol.EventRejected, Code: rej.Code, Message: rej.Message})
		r.resp <- submitResp{res: SubmitResult{Rejection: rej, TurnCount: s.st.TurnCount()}}
		return nil
	}

	out, err := s.coord.Submit(ctx, r.pid, r.act)
	if err != nil {
		return err
	}
	res := out.Result
	if res.Rejection != nil {
		s.sendSystem(p, protocol.SystemData{Event: protocol.EventRejected, Code: res.Rejection.Code, Message: res.Rejection.Message})
		r.resp <- submitResp{res: SubmitResult{Rejection: res.Rejection, TurnCount: s.st.TurnCount()}}
		return nil
	}

	if err := s.committed(res.Delta, ""); err != nil {
		return err
	}
	result := SubmitResult{Accepted: true, Seq: res.Delta.Seq}
	if res.Fault != nil {
		s.logger.Printf("action fault from %s (received %s): %v", r.pid, r.at.Format(time.RFC3339Nano), res.Fault)
		s.sendSystem(p, protocol.SystemData{Event: protocol.EventFault, Code: protocol.ErrActionFault, Message: res.Fault.Error()})
		result.Fault = res.Fault.Error()
	}
	if out.Environment != nil {
		if err := s.committed(*out.Environment, ""); err != nil {
			return err
		}
		result.Seq = out.Environment.Seq
		result.EnvironmentFired = true
	}
	result.TurnCount = s.st.TurnCount()
	r.resp <- submitResp{res: result}
	return nil
}

func (s *Session) handleChat(r chatReq) error {
	p := s.participants[r.pid]
	if p == nil {
		return ErrUnknownParticipant
	}
	text := strings.TrimSpace(r.text)
	if text == "" || utf8.RuneCountInString(text) > maxChatLen {
		return fmt.Errorf("%w: chat must be 1..%d characters", ErrBadRequest, maxChatLen)
	}
	frame := s.encode(protocol.TypeChat, protocol.ChatOut{From: p.id, Name: p.name, Text: text})
	for _, pid := range s.order {
		s.deliver(s.participants[pid], frame)
	}
	s.spectate(frame)
	return nil
}

func (s *Session) handlePause(r pauseReq) error {
	if r.pid != s.host {
		if s.participants[r.pid] == nil {
			return ErrUnknownParticipant
		}
		return ErrNotHost
	}
	if s.paused == r.paused {
		return nil
	}
	s.paused = r.paused
	ev := protocol.EventResumed
	if r.paused {
		ev = protocol.EventPaused
	}
	s.logger.Printf("%s by %s", ev, r.pid)
	s.broadcastSystem(protocol.SystemData{Event: ev, ParticipantID: r.pid}, "")
	return nil
}

func (s *Session) handleControl(r controlReq) error {
	p := s.participants[r.pid]
	if p == nil {
		r.resp <- ErrUnknownParticipant
		return nil
	}
	switch r.op {
	case protocol.ControlReady:
		if s.status != StatusLobby {
			r.resp <- ErrNotInLobby
			return nil
		}
		p.ready = r.ready
		s.broadcastSystem(protocol.SystemData{Event: protocol.EventReady, ParticipantID: p.id, Message: readyWord(p.ready)}, "")
		r.resp <- nil
		return nil

	case protocol.ControlStart:
		if p.id != s.host {
			r.resp <- ErrNotHost
			return nil
		}
		if s.status != StatusLobby {
			r.resp <- ErrNotInLobby
			return nil
		}
		for _, pid := range s.order {
			q := s.participants[pid]
			if q.id != s.host && q.status == StatusConnected && !q.ready {
				r.resp <- fmt.Errorf("%w: %s", ErrNotReady, q.name)
				return nil
			}
		}
		s.status = StatusActive
		s.logger.Printf("started by %s with %d participants", p.id, len(s.order))
		s.broadcastSystem(protocol.SystemData{Event: protocol.EventStarted, ActionsPerRound: s.cfg.ActionsPerRound}, "")
		s.resyncAll()
		r.resp <- nil
		return nil

	case protocol.ControlLeave:
		err := s.removeParticipant(p, protocol.EventLeft)
		r.resp <- nil
		return err

	case protocol.ControlDisband:
		if p.id != s.host {
			r.resp <- ErrNotHost
			return nil
		}
		s.logger.Printf("disbanded by %s", p.id)
		s.shutdown(protocol.EventDisbanded, protocol.ErrSessionGone, "disbanded by host")
		r.resp <- nil
		return nil
	}
	r.resp <- fmt.Errorf("%w: unknown control op %q", ErrBadRequest, r.op)
	return nil
}

func readyWord(ready bool) string {
	if ready {
		return "ready"
	}
	return "not ready"
}

// shutdown tells everyone the session is over. finish does the teardown.
func (s *Session) shutdown(event, code, message string) {
	if s.status == StatusEnded {
		return
	}
	s.status = StatusEnded
	s.endReason = message
	s.broadcastSystem(protocol.SystemData{Event: event, Code: code, Message: message}, "")
}

func (s *Session) finish(err error) {
	if s.status != StatusEnded {
		s.status = StatusEnded
	}
	for _, pid := range s.order {
		p := s.participants[pid]
		p.stopTimer()
		if p.out != nil {
			p.out.Close()
			p.out = nil
		}
	}
	s.closeSpectators()
	reason := s.endReason
	if err != nil && !errors.Is(err, context.Canceled) {
		reason = err.Error()
	}
	s.deps.Recorder.SessionEnded(s.id, s.st.Snapshot(), reason)
	s.err = err
	s.publish()
	close(s.done)
}

func (s *Session) publish() {
	sum := Summary{
		ID:               s.id,
		Status:           s.status,
		Paused:           s.paused,
		Host:             s.host,
		CreatedAt:        s.created,
		ActionsPerRound:  s.cfg.ActionsPerRound,
		Conflict:         string(s.cfg.Rules.Conflict),
		TurnCount:        s.st.TurnCount(),
		RoundActionCount: s.st.RoundActionCount(),
		Seq:              s.st.Seq(),
		Deltas:           s.deltas,
		Rounds:           s.coord.Rounds(),
		DriverTimeouts:   s.coord.DriverTimeouts(),
		EmptySince:       s.emptySince,
		Spectators:       len(s.spectators),
	}
	for _, pid := range s.order {
		sum.Participants++
		if s.participants[pid].status == StatusConnected {
			sum.Connected++
		}
	}
	s.view.Store(&view{st: s.st.Clone(), summary: sum})
}

func (s *Session) now() time.Time { return s.deps.Now() }
