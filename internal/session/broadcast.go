package session

import (
	"crawlparty.io/internal/protocol"
)

// deliver enqueues frame for p. A full outbox is flushed and replaced by a
// fresh state, which the client can always apply in place of what it missed.
func (s *Session) deliver(p *participant, frame []byte) {
	if p == nil || p.out == nil || frame == nil {
		return
	}
	if p.out.Send(frame) {
		return
	}
	s.logger.Printf("outbox of %s overflowed; resyncing", p.id)
	if state := s.stateFrame(); state != nil {
		p.out.Replace(state)
	}
}

func (s *Session) sendState(p *participant) {
	s.deliver(p, s.stateFrame())
}

// resyncAll is the periodic drift correction: every connected participant
// gets the same full state regardless of delta traffic.
func (s *Session) resyncAll() {
	frame := s.stateFrame()
	for _, pid := range s.order {
		s.deliver(s.participants[pid], frame)
	}
	s.spectate(frame)
}

func (s *Session) sendWelcome(p *participant, credential string) {
	s.sendSystem(p, protocol.SystemData{
		Event:           protocol.EventWelcome,
		SessionID:       s.id,
		ParticipantID:   p.id,
		EntityID:        p.entityID,
		Credential:      credential,
		ActionsPerRound: s.cfg.ActionsPerRound,
		ConflictPolicy:  string(s.cfg.Rules.Conflict),
		ProtocolVersion: protocol.Version,
	})
}

func (s *Session) sendSystem(p *participant, data protocol.SystemData) {
	s.deliver(p, s.encode(protocol.TypeSystem, data))
}

func (s *Session) broadcastSystem(data protocol.SystemData, except string) {
	frame := s.encode(protocol.TypeSystem, data)
	for _, pid := range s.order {
		if pid != except {
			s.deliver(s.participants[pid], frame)
		}
	}
	s.spectate(frame)
}

func (s *Session) stateData() protocol.StateData {
	snap := s.st.Snapshot()
	data := protocol.StateData{
		SessionID:        s.id,
		Status:           string(s.status),
		Paused:           s.paused,
		ActionsPerRound:  s.cfg.ActionsPerRound,
		Seq:              snap.Seq,
		TurnCount:        snap.TurnCount,
		RoundActionCount: snap.RoundActionCount,
		Map:              snap.Map,
		Entities:         snap.Entities,
		Participants:     make([]protocol.ParticipantView, 0, len(s.order)),
	}
	for _, pid := range s.order {
		p := s.participants[pid]
		data.Participants = append(data.Participants, protocol.ParticipantView{
			ID:       p.id,
			Name:     p.name,
			EntityID: p.entityID,
			Status:   string(p.status),
			Host:     p.id == s.host,
			Ready:    p.ready,
		})
	}
	return data
}

func (s *Session) stateFrame() []byte {
	return s.encode(protocol.TypeState, s.stateData())
}

func (s *Session) encode(typ string, data any) []byte {
	b, err := protocol.Encode(typ, s.now(), data)
	if err != nil {
		s.logger.Printf("encode %s: %v", typ, err)
		return nil
	}
	return b
}
