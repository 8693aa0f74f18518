package session

import (
	"bytes"
	"context"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlparty.io/internal/sim/combat"
	"crawlparty.io/internal/sim/world"
)

func newCoordinatorState(t *testing.T) *world.State {
	t.Helper()
	layout, err := testLayout(0, DefaultConfig().Dungeon)
	require.NoError(t, err)
	st, err := world.New(layout)
	require.NoError(t, err)
	_, _, err = st.SpawnHero("alice", "p1", 10, world.Stats{Attack: 3}, layout.Spawns)
	require.NoError(t, err)
	return st
}

func TestCoordinator_EnvironmentOncePerRound(t *testing.T) {
	st := newCoordinatorState(t)
	drv := &countingDriver{}
	c := NewCoordinator(2, st, world.DefaultRules(), combat.NewStandard(), drv, time.Second, nil)

	var fired int
	for i := 0; i < 6; i++ {
		out, err := c.Submit(context.Background(), "p1", world.Wait{ActorID: "H2"})
		require.NoError(t, err)
		require.True(t, out.Result.Accepted())
		if out.Environment != nil {
			fired++
			assert.Equal(t, world.DeltaEnvironment, out.Environment.Kind)
			assert.Zero(t, st.RoundActionCount())
		}
		assert.Equal(t, PhaseAwaitingActions, c.Phase())
	}
	assert.Equal(t, 3, fired)
	assert.EqualValues(t, 3, drv.calls.Load())
	assert.EqualValues(t, 3, c.Rounds())
	assert.EqualValues(t, 3, st.TurnCount())
}

func TestCoordinator_RejectionDoesNotCount(t *testing.T) {
	st := newCoordinatorState(t)
	c := NewCoordinator(2, st, world.DefaultRules(), combat.NewStandard(), nil, time.Second, nil)

	out, err := c.Submit(context.Background(), "p1", world.Move{ActorID: "H2", To: world.Pos{X: -1, Y: 2}})
	require.NoError(t, err)
	require.NotNil(t, out.Result.Rejection)
	assert.Zero(t, c.Count())

	// Someone else's entity.
	out, err = c.Submit(context.Background(), "p9", world.Wait{ActorID: "H2"})
	require.NoError(t, err)
	require.NotNil(t, out.Result.Rejection)
	assert.Zero(t, c.Count())
	assert.Zero(t, st.TurnCount())
}

func TestCoordinator_DriverTimeoutStillAdvances(t *testing.T) {
	st := newCoordinatorState(t)
	drv := newStuckDriver()
	defer drv.Release()
	c := NewCoordinator(1, st, world.DefaultRules(), combat.NewStandard(), drv, 20*time.Millisecond, nil)

	out, err := c.Submit(context.Background(), "p1", world.Wait{ActorID: "H2"})
	require.NoError(t, err)
	require.NotNil(t, out.Environment)
	assert.ErrorIs(t, out.DriverErr, ErrDriverTimeout)
	assert.Len(t, out.Environment.Changes, 1, "only the turn advance")
	assert.EqualValues(t, 1, st.TurnCount())
	assert.EqualValues(t, 1, c.DriverTimeouts())
}

func TestCoordinator_DriverPanicStillAdvances(t *testing.T) {
	st := newCoordinatorState(t)
	c := NewCoordinator(1, st, world.DefaultRules(), combat.NewStandard(), panicDriver{}, time.Second, nil)

	out, err := c.Submit(context.Background(), "p1", world.Wait{ActorID: "H2"})
	require.NoError(t, err)
	require.NotNil(t, out.Environment)
	require.Error(t, out.DriverErr)
	assert.Contains(t, out.DriverErr.Error(), "driver panic")
	assert.EqualValues(t, 1, st.TurnCount())
}

func TestCoordinator_ShutdownIsNotADriverTimeout(t *testing.T) {
	st := newCoordinatorState(t)
	drv := newStuckDriver()
	defer drv.Release()
	var logs bytes.Buffer
	c := NewCoordinator(1, st, world.DefaultRules(), combat.NewStandard(), drv, time.Minute, log.New(&logs, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := c.Submit(ctx, "p1", world.Wait{ActorID: "H2"})
	require.NoError(t, err)
	require.NotNil(t, out.Environment)
	assert.ErrorIs(t, out.DriverErr, context.Canceled)
	assert.NotErrorIs(t, out.DriverErr, ErrDriverTimeout)
	assert.Zero(t, c.DriverTimeouts())
	assert.NotContains(t, logs.String(), "WARN")
}
