package indexdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"crawlparty.io/internal/session"
	"crawlparty.io/internal/sim/world"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqDelta}

	s.SessionStarted(session.SessionInfo{ID: "s1"}, world.Snapshot{})
	s.Delta("s1", world.Delta{Seq: 1})
	s.Delta("s1", world.Delta{Seq: 2})
	s.Participant("s1", session.ParticipantEvent{ParticipantID: "p1"})
	s.SessionEnded("s1", world.Snapshot{}, "done")
	s.RecordSnapshot("s1", "manual", 3, "/tmp/manual-3.snap.zst")

	st := s.Stats()
	want := map[string]uint64{"session_start": 1, "delta": 2, "participant": 1, "session_end": 1, "snapshot": 1}
	for k, n := range want {
		if st.Dropped[k] != n {
			t.Fatalf("dropped[%s]=%d want %d (all=%v)", k, st.Dropped[k], n, st.Dropped)
		}
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_RecordsSessionLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path, Options{})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	idx.SessionStarted(session.SessionInfo{
		ID:              "s1",
		CreatedAt:       created,
		ActionsPerRound: 2,
		Conflict:        "push",
		Seed:            77,
		Map:             world.MapRef{ID: "cave", Seed: 77, Width: 24, Height: 16},
	}, world.Snapshot{})
	idx.Participant("s1", session.ParticipantEvent{At: created, ParticipantID: "p1", Name: "alice", EntityID: "H3", Status: "connected"})
	idx.Participant("s1", session.ParticipantEvent{At: created, ParticipantID: "p2", Name: "bob", EntityID: "H4", Status: "connected"})
	idx.Participant("s1", session.ParticipantEvent{At: created, ParticipantID: "p2", Name: "bob", EntityID: "H4", Status: "disconnected_grace"})

	to := world.Pos{X: 4, Y: 5}
	idx.Delta("s1", world.Delta{Seq: 1, Kind: world.DeltaSession, Origin: "p1", Changes: []world.Change{{Op: world.OpSpawn, Spawn: &world.Entity{ID: "H3"}}}})
	idx.Delta("s1", world.Delta{Seq: 2, Kind: world.DeltaAction, Origin: "p1", Changes: []world.Change{{Op: world.OpMove, Entity: "H3", Pos: &to}, {Op: world.OpRound, Value: 1}}})
	idx.Delta("s1", world.Delta{Seq: 3, Turn: 1, Kind: world.DeltaEnvironment, Origin: world.OriginEnvironment, Changes: []world.Change{{Op: world.OpTurn, Turn: 1}}})
	idx.RecordSnapshot("s1", "manual", 3, "/data/sessions/s1/manual-3.snap.zst")
	idx.SessionEnded("s1", world.Snapshot{Seq: 3, TurnCount: 1}, "disbanded")

	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st := idx.Stats()
	if st.Written != 9 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}

	idx, err = OpenSQLite(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	row, err := idx.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if row.ActionsPerRound != 2 || row.Conflict != "push" || row.Seed != 77 || row.MapID != "cave" {
		t.Fatalf("session row mismatch: %+v", row)
	}
	if row.EndReason != "disbanded" || row.FinalSeq != 3 || row.FinalTurn != 1 || row.EndedAt == "" {
		t.Fatalf("end columns mismatch: %+v", row)
	}
	if row.Rounds != 1 || row.Deltas != 3 || row.Participants != 2 {
		t.Fatalf("counts mismatch: rounds=%d deltas=%d participants=%d", row.Rounds, row.Deltas, row.Participants)
	}

	ds, err := idx.Deltas(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Deltas: %v", err)
	}
	if len(ds) != 2 || ds[0].Seq != 2 || ds[1].Kind != world.DeltaEnvironment {
		t.Fatalf("deltas=%+v", ds)
	}
	if ds[0].Changes[0].Pos == nil || *ds[0].Changes[0].Pos != to {
		t.Fatalf("move lost its position: %+v", ds[0].Changes[0])
	}

	list, err := idx.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(list) != 1 || list[0].ID != "s1" {
		t.Fatalf("list=%+v", list)
	}

	var path2 string
	if err := idx.db.QueryRow(`SELECT path FROM snapshots WHERE session_id='s1' AND kind='manual'`).Scan(&path2); err != nil {
		t.Fatalf("snapshot row: %v", err)
	}
	if path2 != "/data/sessions/s1/manual-3.snap.zst" {
		t.Fatalf("snapshot path=%q", path2)
	}

	if _, err := idx.Session(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing session err=%v", err)
	}
}
