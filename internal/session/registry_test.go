package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlparty.io/internal/sim/world"
)

func newTestRegistry(t *testing.T, max int) *Registry {
	t.Helper()
	r := NewRegistry(RegistryConfig{MaxSessions: max, EmptyGrace: time.Minute, Base: testConfig()}, testDeps(t, nil))
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_CreateJoinReconnect(t *testing.T) {
	r := newTestRegistry(t, 4)

	s, host, err := r.Create("alice", CreateOptions{ActionsPerRound: 2, Conflict: world.ConflictPush}, NewOutbox(16))
	require.NoError(t, err)
	assert.True(t, host.Host)
	assert.Equal(t, 2, s.Config().ActionsPerRound)
	assert.Equal(t, world.ConflictPush, s.Config().Rules.Conflict)

	got, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, guest, err := r.Join(s.ID(), "bob", NewOutbox(16))
	require.NoError(t, err)
	assert.False(t, guest.Host)

	back, res, err := r.Reconnect(s.ID(), guest.Credential, NewOutbox(16))
	require.NoError(t, err)
	assert.Same(t, s, back)
	assert.Equal(t, guest.EntityID, res.EntityID)

	_, _, err = r.Reconnect("some-other-session", res.Credential, NewOutbox(16))
	assert.ErrorIs(t, err, ErrAuthFailed)

	summaryOf(t, s)
	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, s.ID(), list[0].ID)
	assert.Equal(t, 2, list[0].Participants)
}

func TestRegistry_NotFoundAndFull(t *testing.T) {
	r := newTestRegistry(t, 1)

	_, _, err := r.Join("nope", "bob", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, _, err = r.Create("alice", CreateOptions{}, nil)
	require.NoError(t, err)
	_, _, err = r.Create("carol", CreateOptions{}, nil)
	assert.ErrorIs(t, err, ErrSessionFull)

	_, _, err = r.Create("dave", CreateOptions{Conflict: "shove"}, nil)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestRegistry_ReconnectToDestroyedSessionIsGone(t *testing.T) {
	r := newTestRegistry(t, 4)
	s, host, err := r.Create("alice", CreateOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Destroy(s.ID(), "test"))
	_, _, err = r.Reconnect("", host.Credential, NewOutbox(4))
	assert.ErrorIs(t, err, ErrSessionGone)
	assert.ErrorIs(t, r.Destroy(s.ID(), "again"), ErrSessionNotFound)
}

func TestRegistry_ReapsEmptySessions(t *testing.T) {
	r := newTestRegistry(t, 4)
	empty, host, err := r.Create("alice", CreateOptions{}, nil)
	require.NoError(t, err)
	busy, _, err := r.Create("bob", CreateOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Leave(empty.ID(), host.ParticipantID))
	sum := summaryOf(t, empty)
	require.Zero(t, sum.Participants)
	require.False(t, sum.EmptySince.IsZero())

	assert.Empty(t, r.Reap(sum.EmptySince.Add(30*time.Second)))
	reaped := r.Reap(sum.EmptySince.Add(2 * time.Minute))
	assert.Equal(t, []string{empty.ID()}, reaped)

	_, err = r.Get(empty.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Get(busy.ID())
	assert.NoError(t, err)

	m := r.Metrics()
	assert.Equal(t, 1, m.Sessions)
	assert.EqualValues(t, 2, m.Created)
	assert.EqualValues(t, 1, m.Reaped)
}

func TestRegistry_CloseEndsSessions(t *testing.T) {
	r := NewRegistry(RegistryConfig{Base: testConfig()}, testDeps(t, nil))
	s, _, err := r.Create("alice", CreateOptions{}, nil)
	require.NoError(t, err)

	r.Close()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session still running after registry close")
	}
	_, _, err = r.Create("bob", CreateOptions{}, nil)
	assert.ErrorIs(t, err, ErrSessionGone)
}

// gatedRecorder blocks SessionStarted for every session after the first
// until release is closed.
type gatedRecorder struct {
	nopRecorder
	started atomic.Int64
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRecorder) SessionStarted(SessionInfo, world.Snapshot) {
	if g.started.Add(1) == 1 {
		return
	}
	close(g.entered)
	<-g.release
}

func TestRegistry_CreateDoesNotBlockOtherSessions(t *testing.T) {
	rec := &gatedRecorder{entered: make(chan struct{}), release: make(chan struct{})}
	deps := testDeps(t, nil)
	deps.Recorder = rec
	r := NewRegistry(RegistryConfig{MaxSessions: 2, Base: testConfig()}, deps)
	t.Cleanup(r.Close)

	first, _, err := r.Create("alice", CreateOptions{}, nil)
	require.NoError(t, err)

	created := make(chan error, 1)
	go func() {
		_, _, err := r.Create("carol", CreateOptions{}, nil)
		created <- err
	}()
	<-rec.entered

	joined := make(chan error, 1)
	go func() {
		_, _, err := r.Join(first.ID(), "bob", nil)
		joined <- err
	}()
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(time.Second):
		close(rec.release)
		t.Fatal("join blocked while another session was being created")
	}
	assert.Len(t, r.List(), 1)

	// The slot held by the pending session still counts toward the limit.
	_, _, err = r.Create("dave", CreateOptions{}, nil)
	assert.ErrorIs(t, err, ErrSessionFull)

	close(rec.release)
	require.NoError(t, <-created)
	assert.Len(t, r.List(), 2)
}
