package session

import (
	"time"

	"crawlparty.io/internal/sim/world"
)

// SessionInfo describes a session for recorders and listings.
type SessionInfo struct {
	ID              string       `json:"id"`
	CreatedAt       time.Time    `json:"created_at"`
	ActionsPerRound int          `json:"actions_per_round"`
	Conflict        string       `json:"conflict_policy"`
	Seed            int64        `json:"seed"`
	Map             world.MapRef `json:"map"`
}

// ParticipantEvent is one membership transition.
type ParticipantEvent struct {
	At            time.Time `json:"at"`
	ParticipantID string    `json:"participant_id"`
	Name          string    `json:"name"`
	EntityID      string    `json:"entity_id"`
	Status        string    `json:"status"`
}

// Recorder receives everything needed to rebuild a session offline. Calls are
// made from the session goroutine, in commit order; implementations must not
// block for long.
type Recorder interface {
	SessionStarted(info SessionInfo, initial world.Snapshot)
	Delta(sessionID string, d world.Delta)
	Participant(sessionID string, ev ParticipantEvent)
	SessionEnded(sessionID string, final world.Snapshot, reason string)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted(SessionInfo, world.Snapshot)  {}
func (nopRecorder) Delta(string, world.Delta)                   {}
func (nopRecorder) Participant(string, ParticipantEvent)        {}
func (nopRecorder) SessionEnded(string, world.Snapshot, string) {}

// MultiRecorder fans out to several recorders in order.
type MultiRecorder []Recorder

func (m MultiRecorder) SessionStarted(info SessionInfo, initial world.Snapshot) {
	for _, r := range m {
		r.SessionStarted(info, initial)
	}
}

func (m MultiRecorder) Delta(sessionID string, d world.Delta) {
	for _, r := range m {
		r.Delta(sessionID, d)
	}
}

func (m MultiRecorder) Participant(sessionID string, ev ParticipantEvent) {
	for _, r := range m {
		r.Participant(sessionID, ev)
	}
}

func (m MultiRecorder) SessionEnded(sessionID string, final world.Snapshot, reason string) {
	for _, r := range m {
		r.SessionEnded(sessionID, final, reason)
	}
}
