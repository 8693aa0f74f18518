package session

import (
	"errors"
	"fmt"
	"time"

	"crawlparty.io/internal/protocol"
	"crawlparty.io/internal/sim/world"
)

type request interface{}

type joinReq struct {
	name string
	out  *Outbox
	resp chan joinResp
}

type attachReq struct {
	cred Credential
	out  *Outbox
	resp chan joinResp
}

type joinResp struct {
	res JoinResult
	err error
}

type submitReq struct {
	pid  string
	act  world.Action
	at   time.Time
	resp chan submitResp
}

type submitResp struct {
	res SubmitResult
	err error
}

// SubmitResult is the authoritative outcome of one submission.
type SubmitResult struct {
	Accepted  bool
	Rejection *world.Rejection
	// Fault is set when the action was accepted but its application failed.
	Fault            string
	Seq              uint64
	TurnCount        uint64
	EnvironmentFired bool
}

type chatReq struct {
	pid  string
	text string
	resp chan error
}

type controlReq struct {
	pid   string
	op    string
	ready bool
	resp  chan error
}

type pauseReq struct {
	pid    string
	paused bool
	resp   chan error
}

type resyncReq struct{ pid string }

type disconnectReq struct {
	pid string
	out *Outbox
}

type graceReq struct {
	pid   string
	epoch uint64
}

type snapshotReq struct{ resp chan world.Snapshot }

// post enqueues a request in receipt order.
func (s *Session) post(r request) error {
	select {
	case s.inbox <- r:
		return nil
	case <-s.done:
		return ErrSessionGone
	}
}

// await prefers a response that raced with the session ending.
func await[T any](s *Session, ch <-chan T) (T, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-s.done:
		select {
		case v := <-ch:
			return v, nil
		default:
		}
		var zero T
		return zero, ErrSessionGone
	}
}

// Join adds a participant and spawns its hero. out may be nil for
// participants that do not need frames (tests, tools).
func (s *Session) Join(name string, out *Outbox) (JoinResult, error) {
	resp := make(chan joinResp, 1)
	if err := s.post(joinReq{name: name, out: out, resp: resp}); err != nil {
		return JoinResult{}, err
	}
	r, err := await(s, resp)
	if err != nil {
		return JoinResult{}, err
	}
	return r.res, r.err
}

// Attach re-binds a participant after verifying its credential token.
func (s *Session) Attach(token string, out *Outbox) (JoinResult, error) {
	if s.deps.Credentials == nil {
		return JoinResult{}, fmt.Errorf("%w: reconnection disabled", ErrAuthFailed)
	}
	cred, err := s.deps.Credentials.Verify(token)
	if err != nil {
		return JoinResult{}, err
	}
	if cred.SessionID != s.id {
		return JoinResult{}, fmt.Errorf("%w: credential is for another session", ErrAuthFailed)
	}
	resp := make(chan joinResp, 1)
	if err := s.post(attachReq{cred: cred, out: out, resp: resp}); err != nil {
		return JoinResult{}, err
	}
	r, err := await(s, resp)
	if err != nil {
		return JoinResult{}, err
	}
	return r.res, r.err
}

// Submit queues act and waits for its authoritative outcome. Submissions are
// processed strictly in the order they reach the session.
func (s *Session) Submit(pid string, act world.Action) (SubmitResult, error) {
	resp := make(chan submitResp, 1)
	if err := s.post(submitReq{pid: pid, act: act, at: s.now(), resp: resp}); err != nil {
		return SubmitResult{}, err
	}
	r, err := await(s, resp)
	if err != nil {
		return SubmitResult{}, err
	}
	return r.res, r.err
}

// Precheck validates act against the latest published view without
// submitting it. It runs on the caller's goroutine; the answer is advisory.
func (s *Session) Precheck(pid string, act world.Action) *world.Rejection {
	v := s.view.Load()
	switch {
	case v.summary.Status != StatusActive:
		return &world.Rejection{Code: RejectNotActive, Message: "session has not started"}
	case v.summary.Paused:
		return &world.Rejection{Code: RejectPaused, Message: "session is paused"}
	}
	return world.Validate(v.st, s.cfg.Rules, pid, act)
}

func (s *Session) Chat(pid, text string) error {
	return s.call(func(resp chan error) request { return chatReq{pid: pid, text: text, resp: resp} })
}

func (s *Session) Ready(pid string, ready bool) error {
	return s.call(func(resp chan error) request {
		return controlReq{pid: pid, op: protocol.ControlReady, ready: ready, resp: resp}
	})
}

func (s *Session) Start(pid string) error {
	return s.call(func(resp chan error) request { return controlReq{pid: pid, op: protocol.ControlStart, resp: resp} })
}

func (s *Session) Leave(pid string) error {
	return s.call(func(resp chan error) request { return controlReq{pid: pid, op: protocol.ControlLeave, resp: resp} })
}

// Disband ends the session for everyone. Host only.
func (s *Session) Disband(pid string) error {
	err := s.call(func(resp chan error) request { return controlReq{pid: pid, op: protocol.ControlDisband, resp: resp} })
	if errors.Is(err, ErrSessionGone) {
		return nil
	}
	return err
}

// Control dispatches a wire control op.
func (s *Session) Control(pid string, c protocol.ControlData) error {
	switch c.Op {
	case protocol.ControlReady:
		ready := true
		if c.Ready != nil {
			ready = *c.Ready
		}
		return s.Ready(pid, ready)
	case protocol.ControlStart:
		return s.Start(pid)
	case protocol.ControlLeave:
		return s.Leave(pid)
	case protocol.ControlDisband:
		return s.Disband(pid)
	}
	return fmt.Errorf("%w: unknown control op %q", ErrBadRequest, c.Op)
}

func (s *Session) Pause(pid string, paused bool) error {
	return s.call(func(resp chan error) request { return pauseReq{pid: pid, paused: paused, resp: resp} })
}

// Resync asks for a fresh full state on pid's connection, queued behind every
// frame already sent to it.
func (s *Session) Resync(pid string) error {
	return s.post(resyncReq{pid: pid})
}

// Disconnect reports that out's connection dropped. The participant enters
// its grace window; nothing is destroyed yet.
func (s *Session) Disconnect(pid string, out *Outbox) {
	_ = s.post(disconnectReq{pid: pid, out: out})
}

// Snapshot returns the authoritative state as of now.
func (s *Session) Snapshot() (world.Snapshot, error) {
	resp := make(chan world.Snapshot, 1)
	if err := s.post(snapshotReq{resp: resp}); err != nil {
		return world.Snapshot{}, err
	}
	return await(s, resp)
}

func (s *Session) call(build func(chan error) request) error {
	resp := make(chan error, 1)
	if err := s.post(build(resp)); err != nil {
		return err
	}
	err, waitErr := await(s, resp)
	if waitErr != nil {
		return waitErr
	}
	return err
}
