package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	persistlog "crawlparty.io/internal/persistence/log"
	"crawlparty.io/internal/persistence/snapshot"
	"crawlparty.io/internal/session"
	"crawlparty.io/internal/sim/combat"
	"crawlparty.io/internal/sim/dungeon"
	"crawlparty.io/internal/sim/npc"
	"crawlparty.io/internal/sim/world"
)

func TestArchive_ReplayReproducesFinalSnapshot(t *testing.T) {
	dir := t.TempDir()
	arc := New(dir, nil)

	f := combat.NewStandard()
	cfg := session.DefaultConfig()
	cfg.ActionsPerRound = 2
	cfg.Seed = 1234
	s, err := session.New("s-archive", cfg, session.Deps{
		Generate: dungeon.Generate,
		Formulas: f,
		Driver:   npc.New(f),
		Recorder: arc,
	})
	require.NoError(t, err)
	go func() { _ = s.Run(context.Background()) }()

	alice, err := s.Join("alice", nil)
	require.NoError(t, err)
	bob, err := s.Join("bob", nil)
	require.NoError(t, err)
	require.NoError(t, s.Ready(bob.ParticipantID, true))
	require.NoError(t, s.Start(alice.ParticipantID))

	for i := 0; i < 3; i++ {
		res, err := s.Submit(alice.ParticipantID, world.Wait{ActorID: alice.EntityID})
		require.NoError(t, err)
		require.True(t, res.Accepted)
		res, err = s.Submit(bob.ParticipantID, world.Wait{ActorID: bob.EntityID})
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}
	require.NoError(t, s.Leave(bob.ParticipantID))

	s.Close("test over")
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}

	sessDir := arc.SessionDir("s-archive")
	meta, err := ReadMeta(sessDir)
	require.NoError(t, err)
	assert.Equal(t, "test over", meta.EndReason)
	assert.NotNil(t, meta.EndedAt)
	assert.EqualValues(t, 3, meta.FinalTurn)
	assert.Equal(t, 2, meta.ActionsPerRound)
	require.NotEmpty(t, meta.Final)

	initial, err := snapshot.ReadSnapshot(filepath.Join(sessDir, meta.Initial))
	require.NoError(t, err)
	assert.Equal(t, snapshot.KindInitial, initial.Header.Kind)
	final, err := snapshot.ReadSnapshot(filepath.Join(sessDir, meta.Final))
	require.NoError(t, err)
	assert.Equal(t, meta.FinalSeq, final.Header.Seq)

	terrain, err := dungeon.Terrain(initial.State.Map)
	require.NoError(t, err)
	replayed, err := world.FromSnapshot(initial.State, terrain)
	require.NoError(t, err)
	deltas, err := persistlog.ReadDeltas(filepath.Join(sessDir, meta.Log))
	require.NoError(t, err)
	require.EqualValues(t, meta.Deltas, len(deltas))
	for _, d := range deltas {
		require.NoError(t, replayed.Replay(d))
	}

	want, err := world.FromSnapshot(final.State, terrain)
	require.NoError(t, err)
	assert.Equal(t, want.Digest(), replayed.Digest())

	var joins, ends int
	require.NoError(t, persistlog.ReadEntries(filepath.Join(sessDir, meta.Log), func(e persistlog.Entry) error {
		switch e.Kind {
		case persistlog.EntryParticipant:
			joins++
		case persistlog.EntryEnd:
			ends++
			assert.Equal(t, "test over", e.Reason)
		}
		return nil
	}))
	assert.GreaterOrEqual(t, joins, 3)
	assert.Equal(t, 1, ends)
}

func TestArchive_WriteManualNeedsLiveSession(t *testing.T) {
	arc := New(t.TempDir(), nil)
	_, err := arc.WriteManual("missing", world.Snapshot{})
	assert.Error(t, err)

	ref := world.MapRef{ID: "m", Seed: 1, Width: 8, Height: 8}
	arc.SessionStarted(session.SessionInfo{ID: "s1", CreatedAt: time.Now(), ActionsPerRound: 4, Conflict: "fifo", Map: ref}, world.Snapshot{Map: ref})
	path, err := arc.WriteManual("s1", world.Snapshot{Seq: 7, Map: ref})
	require.NoError(t, err)
	assert.Equal(t, "manual-7.snap.zst", filepath.Base(path))

	h, err := snapshot.ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, snapshot.KindManual, h.Kind)
	assert.EqualValues(t, 7, h.Seq)

	arc.SessionEnded("s1", world.Snapshot{Seq: 9, Map: ref}, "done")
	_, err = arc.WriteManual("s1", world.Snapshot{})
	assert.Error(t, err)
}
