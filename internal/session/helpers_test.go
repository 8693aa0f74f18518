package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crawlparty.io/internal/protocol"
	"crawlparty.io/internal/sim/combat"
	"crawlparty.io/internal/sim/dungeon"
	"crawlparty.io/internal/sim/world"
)

// room is an open 10x8 floor with no walls.
type room struct{}

func (room) Ref() world.MapRef { return world.MapRef{ID: "room", Seed: 7, Width: 10, Height: 8} }
func (room) InBounds(p world.Pos) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < 10 && p.Y < 8
}
func (r room) Walkable(p world.Pos) bool { return r.InBounds(p) }

// testLayout gives the rat id M1; heroes then spawn as H2 at (2,2) and H3 at
// (3,2), which is next to the rat at (4,2).
func testLayout(int64, dungeon.Config) (world.Layout, error) {
	return world.Layout{
		Terrain: room{},
		Spawns:  []world.Pos{{X: 2, Y: 2}, {X: 3, Y: 2}, {X: 4, Y: 2}, {X: 5, Y: 2}},
		Placements: []world.Placement{
			{Kind: world.KindMonster, Name: "rat", Pos: world.Pos{X: 4, Y: 2}, HP: 20},
		},
	}, nil
}

var testSecret = []byte("crawlparty-test-secret-0123456789")

// countingDriver proposes nothing and counts how often it ran.
type countingDriver struct{ calls atomic.Int64 }

func (d *countingDriver) Step(context.Context, *world.State) (world.Delta, error) {
	d.calls.Add(1)
	return world.Delta{}, nil
}

// stuckDriver blocks until released, ignoring its context.
type stuckDriver struct {
	release chan struct{}
	once    sync.Once
}

func newStuckDriver() *stuckDriver { return &stuckDriver{release: make(chan struct{})} }

func (d *stuckDriver) Step(context.Context, *world.State) (world.Delta, error) {
	<-d.release
	return world.Delta{}, nil
}

func (d *stuckDriver) Release() { d.once.Do(func() { close(d.release) }) }

type panicDriver struct{}

func (panicDriver) Step(context.Context, *world.State) (world.Delta, error) {
	panic("driver bug")
}

func testDeps(t *testing.T, drv Driver) Deps {
	t.Helper()
	creds, err := NewCredentials(testSecret, time.Hour)
	require.NoError(t, err)
	return Deps{
		Generate:    testLayout,
		Formulas:    combat.NewStandard(),
		Driver:      drv,
		Credentials: creds,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Grace = 5 * time.Second
	return cfg
}

// startSession runs a session until the test ends.
func startSession(t *testing.T, cfg Config, deps Deps) *Session {
	t.Helper()
	s, err := New("s-test", cfg, deps)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s
}

// startedParty joins alice (host, H2) and bob (H3) and starts the session.
func startedParty(t *testing.T, s *Session) (alice, bob JoinResult, outA, outB *Outbox) {
	t.Helper()
	outA, outB = NewOutbox(256), NewOutbox(256)
	alice, err := s.Join("alice", outA)
	require.NoError(t, err)
	bob, err = s.Join("bob", outB)
	require.NoError(t, err)
	require.NoError(t, s.Ready(bob.ParticipantID, true))
	require.NoError(t, s.Start(alice.ParticipantID))
	return alice, bob, outA, outB
}

type frame struct {
	protocol.Envelope
	raw []byte
}

func nextFrame(t *testing.T, out *Outbox) frame {
	t.Helper()
	select {
	case b := <-out.C():
		env, err := protocol.DecodeEnvelope(b)
		require.NoError(t, err)
		return frame{Envelope: env, raw: b}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for a frame")
	}
	return frame{}
}

// waitFrame skips frames until one of type typ arrives (and, for system
// frames, with the given event).
func waitFrame(t *testing.T, out *Outbox, typ, event string) frame {
	t.Helper()
	for {
		f := nextFrame(t, out)
		if f.Type != typ {
			continue
		}
		if typ == protocol.TypeSystem && event != "" {
			if sys := decodeSystem(t, f); sys.Event != event {
				continue
			}
		}
		return f
	}
}

func decodeSystem(t *testing.T, f frame) protocol.SystemData {
	t.Helper()
	var sys protocol.SystemData
	require.NoError(t, json.Unmarshal(f.Data, &sys))
	return sys
}

func decodeState(t *testing.T, f frame) protocol.StateData {
	t.Helper()
	require.Equal(t, protocol.TypeState, f.Type)
	var st protocol.StateData
	require.NoError(t, json.Unmarshal(f.Data, &st))
	return st
}

func decodeDelta(t *testing.T, f frame) protocol.DeltaData {
	t.Helper()
	require.Equal(t, protocol.TypeDelta, f.Type)
	var d protocol.DeltaData
	require.NoError(t, json.Unmarshal(f.Data, &d))
	return d
}

func drain(out *Outbox) {
	for {
		select {
		case <-out.C():
		default:
			return
		}
	}
}

func entityIn(entities []world.Entity, id string) (world.Entity, bool) {
	for _, e := range entities {
		if e.ID == id {
			return e, true
		}
	}
	return world.Entity{}, false
}

// summaryOf reads the published summary after a round trip through the
// session, so every earlier request is reflected in it.
func summaryOf(t *testing.T, s *Session) Summary {
	t.Helper()
	_, err := s.Snapshot()
	require.NoError(t, err)
	return s.Summary()
}
