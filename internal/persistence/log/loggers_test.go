package log

import (
	"os"
	"path/filepath"
	"testing"

	"crawlparty.io/internal/sim/world"
)

func TestDeltaLogger_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions", "s1")
	l := NewDeltaLogger(dir, "s1")

	ref := world.MapRef{ID: "cave", Seed: 9, Width: 12, Height: 10}
	if err := l.Start(ref); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.WriteParticipant(Participant{ID: "p1", Name: "alice", EntityID: "H1", Status: "connected"}); err != nil {
		t.Fatalf("participant: %v", err)
	}
	to := world.Pos{X: 3, Y: 4}
	deltas := []world.Delta{
		{Seq: 1, Kind: world.DeltaAction, Origin: "p1", Changes: []world.Change{{Op: world.OpMove, Entity: "H1", Pos: &to}}, Messages: []string{"alice moves"}},
		{Seq: 2, Turn: 1, Kind: world.DeltaEnvironment, Origin: world.OriginEnvironment, Changes: []world.Change{{Op: world.OpTurn, Turn: 1}}},
	}
	for _, d := range deltas {
		if err := l.WriteDelta(d); err != nil {
			t.Fatalf("delta: %v", err)
		}
	}
	if err := l.End("disbanded"); err != nil {
		t.Fatalf("end: %v", err)
	}

	var kinds []EntryKind
	err := ReadEntries(filepath.Join(dir, FileName), func(e Entry) error {
		if e.SessionID != "s1" {
			t.Fatalf("session id %q", e.SessionID)
		}
		kinds = append(kinds, e.Kind)
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []EntryKind{EntryStart, EntryParticipant, EntryDelta, EntryDelta, EntryEnd}
	if len(kinds) != len(want) {
		t.Fatalf("kinds=%v want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds=%v want %v", kinds, want)
		}
	}

	got, err := ReadDeltas(l.Path())
	if err != nil {
		t.Fatalf("read deltas: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("deltas=%+v", got)
	}
	if got[0].Changes[0].Pos == nil || *got[0].Changes[0].Pos != to {
		t.Fatalf("move change lost its position: %+v", got[0].Changes[0])
	}
	if got[1].Kind != world.DeltaEnvironment || got[1].Turn != 1 {
		t.Fatalf("environment delta=%+v", got[1])
	}
}

func TestReadEntries_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("not zstd at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadDeltas(path); err == nil {
		t.Fatalf("expected an error for a non-zstd file")
	}
}

func TestJSONLZstdWriter_NoFileUntilFirstWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x", FileName)
	w := NewJSONLZstdWriter(path)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should not exist, stat err=%v", err)
	}
}
