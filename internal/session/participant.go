package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"crawlparty.io/internal/protocol"
	"crawlparty.io/internal/sim/world"
)

type ParticipantStatus string

const (
	StatusConnected         ParticipantStatus = "connected"
	StatusDisconnectedGrace ParticipantStatus = "disconnected_grace"
	StatusRemoved           ParticipantStatus = "removed"
)

// participant refers to its connection and entity by id only; the world
// refers back through the entity's controller field.
type participant struct {
	id       string
	name     string
	entityID string
	status   ParticipantStatus
	ready    bool
	joinedAt time.Time

	out    *Outbox
	credID string

	grace      *time.Timer
	graceEpoch uint64
}

func (p *participant) stopTimer() {
	if p.grace != nil {
		p.grace.Stop()
		p.grace = nil
	}
}

// JoinResult is returned to a participant that joined or reconnected.
type JoinResult struct {
	SessionID     string
	ParticipantID string
	EntityID      string
	Credential    string
	Host          bool
}

func (s *Session) handleJoin(r joinReq) error {
	if s.status == StatusEnded {
		r.resp <- joinResp{err: ErrSessionGone}
		return nil
	}
	if len(s.order) >= s.cfg.MaxParticipants {
		r.resp <- joinResp{err: ErrSessionFull}
		return nil
	}
	name := cleanName(r.name)

	s.nextPID++
	pid := fmt.Sprintf("p%d", s.nextPID)
	token, credID, err := s.issue(pid)
	if err != nil {
		r.resp <- joinResp{err: err}
		return nil
	}

	p := &participant{
		id:       pid,
		name:     name,
		status:   StatusConnected,
		joinedAt: s.now(),
		out:      r.out,
		credID:   credID,
	}
	s.participants[pid] = p
	s.order = append(s.order, pid)
	if s.host == "" {
		s.host = pid
	}
	s.emptySince = time.Time{}

	d, eid, err := s.st.SpawnHero(name, pid, s.cfg.Hero.HP, s.cfg.Hero.Stats, s.spawns)
	if err != nil {
		s.dropParticipant(pid)
		if errors.Is(err, world.ErrNoSpace) {
			r.resp <- joinResp{err: fmt.Errorf("%w: no room to spawn", ErrSessionFull)}
			return nil
		}
		return err
	}
	p.entityID = eid

	res := JoinResult{SessionID: s.id, ParticipantID: pid, EntityID: eid, Credential: token, Host: s.host == pid}
	s.sendWelcome(p, token)
	s.sendState(p)
	if err := s.committed(d, pid); err != nil {
		return err
	}
	s.broadcastSystem(protocol.SystemData{Event: protocol.EventJoined, ParticipantID: pid, EntityID: eid, Message: name}, pid)
	s.record(p)
	s.logger.Printf("participant %s (%s) joined as %s", pid, name, eid)
	r.resp <- joinResp{res: res}
	return nil
}

// handleAttach re-binds a participant to a new connection. It is the
// reconnection path: the credential must be the latest one issued.
func (s *Session) handleAttach(r attachReq) error {
	p := s.participants[r.cred.ParticipantID]
	if r.cred.SessionID != s.id || p == nil || p.status == StatusRemoved || r.cred.ID != p.credID {
		r.resp <- joinResp{err: ErrAuthFailed}
		return nil
	}

	token, credID, err := s.issue(p.id)
	if err != nil {
		r.resp <- joinResp{err: err}
		return nil
	}
	p.stopTimer()
	p.graceEpoch++
	if p.out != nil && p.out != r.out {
		p.out.Close()
	}
	p.out = r.out
	p.credID = credID
	wasParked := p.status == StatusDisconnectedGrace
	p.status = StatusConnected

	// Reclaim first so the snapshot below already shows the entity back
	// under the participant's control.
	if e, ok := s.st.Entity(p.entityID); ok && e.Controller != p.id {
		d, err := s.st.SetController(p.entityID, p.id, fmt.Sprintf("%s is back in control", p.name))
		if err != nil {
			return err
		}
		if err := s.committed(d, p.id); err != nil {
			return err
		}
	}

	s.sendWelcome(p, token)
	s.sendState(p)
	if wasParked {
		s.broadcastSystem(protocol.SystemData{Event: protocol.EventReconnected, ParticipantID: p.id, EntityID: p.entityID}, p.id)
	}
	s.record(p)
	s.logger.Printf("participant %s reconnected", p.id)
	r.resp <- joinResp{res: JoinResult{SessionID: s.id, ParticipantID: p.id, EntityID: p.entityID, Credential: token, Host: s.host == p.id}}
	return nil
}

// handleDisconnect parks the participant's entity under AI control and
// starts the grace timer. Stale notifications from a replaced connection are
// ignored.
func (s *Session) handleDisconnect(r disconnectReq) error {
	p := s.participants[r.pid]
	if p == nil || p.status != StatusConnected || p.out != r.out {
		return nil
	}
	p.out.Close()
	p.out = nil
	p.status = StatusDisconnectedGrace
	p.graceEpoch++
	epoch, pid := p.graceEpoch, p.id
	p.grace = time.AfterFunc(s.cfg.Grace, func() {
		_ = s.post(graceReq{pid: pid, epoch: epoch})
	})

	if e, ok := s.st.Entity(p.entityID); ok && e.Controller == p.id {
		d, err := s.st.SetController(p.entityID, world.AISentinel, fmt.Sprintf("%s lost connection; AI holds position", p.name))
		if err != nil {
			return err
		}
		if err := s.committed(d, ""); err != nil {
			return err
		}
	}
	s.broadcastSystem(protocol.SystemData{Event: protocol.EventDisconnected, ParticipantID: p.id, EntityID: p.entityID}, "")
	s.record(p)
	s.logger.Printf("participant %s disconnected; grace %s", p.id, s.cfg.Grace)
	return nil
}

func (s *Session) handleGraceExpired(r graceReq) error {
	p := s.participants[r.pid]
	if p == nil || p.status != StatusDisconnectedGrace || p.graceEpoch != r.epoch {
		return nil
	}
	s.logger.Printf("participant %s grace expired", p.id)
	return s.removeParticipant(p, protocol.EventRemoved)
}

// removeParticipant applies the removal policy to the entity and migrates
// the host role to the earliest-joined remaining participant.
func (s *Session) removeParticipant(p *participant, event string) error {
	p.stopTimer()
	p.graceEpoch++
	if p.out != nil {
		p.out.Close()
		p.out = nil
	}
	p.status = StatusRemoved
	p.ready = false
	s.record(p)

	if e, ok := s.st.Entity(p.entityID); ok {
		var (
			d   world.Delta
			err error
		)
		switch {
		case s.cfg.Removal == RemoveEntity:
			d, err = s.st.RemoveEntity(e.ID, fmt.Sprintf("%s has left the party", p.name))
		case e.Controller == p.id:
			d, err = s.st.SetController(e.ID, world.AISentinel, fmt.Sprintf("%s has left; AI takes over", p.name))
		}
		if err != nil {
			return err
		}
		if len(d.Changes) > 0 {
			if err := s.committed(d, ""); err != nil {
				return err
			}
		}
	}

	s.dropParticipant(p.id)
	s.broadcastSystem(protocol.SystemData{Event: event, ParticipantID: p.id, EntityID: p.entityID}, "")
	if s.host == p.id {
		s.host = ""
		if len(s.order) > 0 {
			s.host = s.order[0]
			s.broadcastSystem(protocol.SystemData{Event: protocol.EventHostChanged, ParticipantID: s.host}, "")
		}
	}
	if len(s.order) == 0 {
		s.emptySince = s.now()
	}
	s.logger.Printf("participant %s removed (%s)", p.id, event)
	return nil
}

func (s *Session) dropParticipant(pid string) {
	delete(s.participants, pid)
	for i, id := range s.order {
		if id == pid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.host == pid && len(s.order) == 0 {
		s.host = ""
	}
}

func (s *Session) issue(pid string) (token, id string, err error) {
	if s.deps.Credentials == nil {
		return "", "", nil
	}
	return s.deps.Credentials.Issue(s.id, pid)
}

func (s *Session) record(p *participant) {
	s.deps.Recorder.Participant(s.id, ParticipantEvent{
		At:            s.now(),
		ParticipantID: p.id,
		Name:          p.name,
		EntityID:      p.entityID,
		Status:        string(p.status),
	})
}

func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "adventurer"
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		name = string([]rune(name)[:maxNameLen])
	}
	return name
}
