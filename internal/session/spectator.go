package session

import "fmt"

// MaxSpectators bounds the read-only watchers of one session.
const MaxSpectators = 32

type watchReq struct {
	out  *Outbox
	resp chan error
}

type unwatchReq struct{ out *Outbox }

// Watch registers out as a spectator. Spectators receive every state, delta,
// chat and system broadcast but own no entity and cannot act.
func (s *Session) Watch(out *Outbox) error {
	if out == nil {
		return fmt.Errorf("%w: spectator needs an outbox", ErrBadRequest)
	}
	return s.call(func(resp chan error) request { return watchReq{out: out, resp: resp} })
}

// Unwatch drops a spectator. Unknown outboxes are ignored.
func (s *Session) Unwatch(out *Outbox) {
	_ = s.post(unwatchReq{out: out})
}

func (s *Session) handleWatch(r watchReq) error {
	if s.status == StatusEnded {
		return ErrSessionGone
	}
	if len(s.spectators) >= MaxSpectators {
		return fmt.Errorf("%w: %d spectators", ErrSessionFull, MaxSpectators)
	}
	s.spectators[r.out] = struct{}{}
	s.spectate(s.stateFrame())
	return nil
}

func (s *Session) handleUnwatch(r unwatchReq) {
	if _, ok := s.spectators[r.out]; !ok {
		return
	}
	delete(s.spectators, r.out)
	r.out.Close()
}

// spectate fans frame out to every spectator with the same overflow rule as
// participants.
func (s *Session) spectate(frame []byte) {
	if frame == nil || len(s.spectators) == 0 {
		return
	}
	var state []byte
	for out := range s.spectators {
		if out.Send(frame) {
			continue
		}
		if state == nil {
			state = s.stateFrame()
		}
		out.Replace(state)
	}
}

func (s *Session) closeSpectators() {
	for out := range s.spectators {
		out.Close()
		delete(s.spectators, out)
	}
}
