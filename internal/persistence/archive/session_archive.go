package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	persistlog "crawlparty.io/internal/persistence/log"
	"crawlparty.io/internal/persistence/snapshot"
	"crawlparty.io/internal/session"
	"crawlparty.io/internal/sim/world"
)

// SessionMeta is written as meta.json next to the snapshots and delta log.
type SessionMeta struct {
	ID              string       `json:"id"`
	CreatedAt       time.Time    `json:"created_at"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
	EndReason       string       `json:"end_reason,omitempty"`
	ActionsPerRound int          `json:"actions_per_round"`
	Conflict        string       `json:"conflict_policy"`
	Seed            int64        `json:"seed"`
	Map             world.MapRef `json:"map"`
	Initial         string       `json:"initial_snapshot"`
	Final           string       `json:"final_snapshot,omitempty"`
	Log             string       `json:"delta_log"`
	Deltas          uint64       `json:"deltas"`
	FinalSeq        uint64       `json:"final_seq,omitempty"`
	FinalTurn       uint64       `json:"final_turn,omitempty"`
}

type open struct {
	meta SessionMeta
	log  *persistlog.DeltaLogger
}

// Archive stores each session under <dir>/<session id>/: initial and final
// snapshots, the delta log and meta.json. It implements session.Recorder.
// Write failures are logged and never reach the session.
type Archive struct {
	dir    string
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*open
}

var _ session.Recorder = (*Archive)(nil)

func New(dir string, logger *log.Logger) *Archive {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Archive{
		dir:      dir,
		logger:   log.New(logger.Writer(), "[archive] ", logger.Flags()),
		now:      time.Now,
		sessions: map[string]*open{},
	}
}

func (a *Archive) SessionDir(id string) string { return filepath.Join(a.dir, id) }

func (a *Archive) SessionStarted(info session.SessionInfo, initial world.Snapshot) {
	dir := a.SessionDir(info.ID)
	name := snapshot.FileName(snapshot.KindInitial, initial.Seq)
	o := &open{
		meta: SessionMeta{
			ID:              info.ID,
			CreatedAt:       info.CreatedAt.UTC(),
			ActionsPerRound: info.ActionsPerRound,
			Conflict:        info.Conflict,
			Seed:            info.Seed,
			Map:             info.Map,
			Initial:         name,
			Log:             persistlog.FileName,
		},
		log: persistlog.NewDeltaLogger(dir, info.ID),
	}

	snap := snapshot.New(info.ID, snapshot.KindInitial, sessionOf(o.meta), initial, a.now())
	if err := snapshot.WriteSnapshot(filepath.Join(dir, name), snap); err != nil {
		a.logger.Printf("session %s: initial snapshot: %v", info.ID, err)
	}
	if err := o.log.Start(info.Map); err != nil {
		a.logger.Printf("session %s: delta log: %v", info.ID, err)
	}
	a.writeMeta(o.meta)

	a.mu.Lock()
	a.sessions[info.ID] = o
	a.mu.Unlock()
}

func (a *Archive) Delta(sessionID string, d world.Delta) {
	o := a.get(sessionID)
	if o == nil {
		return
	}
	if err := o.log.WriteDelta(d); err != nil {
		a.logger.Printf("session %s: delta %d: %v", sessionID, d.Seq, err)
		return
	}
	a.mu.Lock()
	o.meta.Deltas++
	a.mu.Unlock()
}

func (a *Archive) Participant(sessionID string, ev session.ParticipantEvent) {
	o := a.get(sessionID)
	if o == nil {
		return
	}
	err := o.log.WriteParticipant(persistlog.Participant{
		ID:       ev.ParticipantID,
		Name:     ev.Name,
		EntityID: ev.EntityID,
		Status:   ev.Status,
	})
	if err != nil {
		a.logger.Printf("session %s: participant %s: %v", sessionID, ev.ParticipantID, err)
	}
}

func (a *Archive) SessionEnded(sessionID string, final world.Snapshot, reason string) {
	a.mu.Lock()
	o := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if o == nil {
		return
	}

	now := a.now()
	dir := a.SessionDir(sessionID)
	name := snapshot.FileName(snapshot.KindFinal, final.Seq)
	snap := snapshot.New(sessionID, snapshot.KindFinal, sessionOf(o.meta), final, now)
	if err := snapshot.WriteSnapshot(filepath.Join(dir, name), snap); err != nil {
		a.logger.Printf("session %s: final snapshot: %v", sessionID, err)
	} else {
		o.meta.Final = name
	}
	if err := o.log.End(reason); err != nil {
		a.logger.Printf("session %s: close delta log: %v", sessionID, err)
	}

	ended := now.UTC()
	o.meta.EndedAt = &ended
	o.meta.EndReason = reason
	o.meta.FinalSeq = final.Seq
	o.meta.FinalTurn = final.TurnCount
	a.writeMeta(o.meta)
}

// WriteManual stores an on-demand snapshot of a live session and returns its
// path.
func (a *Archive) WriteManual(sessionID string, st world.Snapshot) (string, error) {
	a.mu.Lock()
	o := a.sessions[sessionID]
	var meta SessionMeta
	if o != nil {
		meta = o.meta
	}
	a.mu.Unlock()
	if o == nil {
		return "", fmt.Errorf("session %s is not being archived", sessionID)
	}
	path := filepath.Join(a.SessionDir(sessionID), snapshot.FileName(snapshot.KindManual, st.Seq))
	if err := snapshot.WriteSnapshot(path, snapshot.New(sessionID, snapshot.KindManual, sessionOf(meta), st, a.now())); err != nil {
		return "", err
	}
	return path, nil
}

// ReadMeta loads meta.json from a session directory.
func ReadMeta(sessionDir string) (SessionMeta, error) {
	var m SessionMeta
	b, err := os.ReadFile(filepath.Join(sessionDir, "meta.json"))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode meta.json: %w", err)
	}
	return m, nil
}

func (a *Archive) get(id string) *open {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

func (a *Archive) writeMeta(m SessionMeta) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return
	}
	dir := a.SessionDir(m.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.logger.Printf("session %s: %v", m.ID, err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		a.logger.Printf("session %s: meta.json: %v", m.ID, err)
	}
}

func sessionOf(m SessionMeta) snapshot.Session {
	return snapshot.Session{
		CreatedAt:       m.CreatedAt,
		ActionsPerRound: m.ActionsPerRound,
		Conflict:        m.Conflict,
		Seed:            m.Seed,
		Map:             m.Map,
	}
}
