package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlparty.io/internal/protocol"
	"crawlparty.io/internal/sim/world"
)

func TestSession_SpectatorSeesDeltasButCannotAct(t *testing.T) {
	s := startSession(t, testConfig(), testDeps(t, nil))
	alice, _, _, _ := startedParty(t, s)

	watch := NewOutbox(64)
	require.NoError(t, s.Watch(watch))
	st := decodeState(t, waitFrame(t, watch, protocol.TypeState, ""))
	assert.Len(t, st.Participants, 2)
	assert.Equal(t, 1, summaryOf(t, s).Spectators)

	res, err := s.Submit(alice.ParticipantID, world.Move{ActorID: alice.EntityID, To: world.Pos{X: 2, Y: 3}})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	d := decodeDelta(t, waitFrame(t, watch, protocol.TypeDelta, ""))
	assert.Equal(t, res.Seq, d.Seq)

	require.NoError(t, s.Chat(alice.ParticipantID, "hello"))
	waitFrame(t, watch, protocol.TypeChat, "")

	s.Unwatch(watch)
	assert.Zero(t, summaryOf(t, s).Spectators)
	select {
	case <-watch.Done():
	default:
		t.Fatalf("unwatched outbox still open")
	}
}

func TestSession_SpectatorLimitAndNilOutbox(t *testing.T) {
	s := startSession(t, testConfig(), testDeps(t, nil))
	assert.ErrorIs(t, s.Watch(nil), ErrBadRequest)
	for i := 0; i < MaxSpectators; i++ {
		require.NoError(t, s.Watch(NewOutbox(4)))
	}
	assert.ErrorIs(t, s.Watch(NewOutbox(4)), ErrSessionFull)
}

func TestSession_CloseDetachesSpectators(t *testing.T) {
	s := startSession(t, testConfig(), testDeps(t, nil))
	watch := NewOutbox(16)
	require.NoError(t, s.Watch(watch))
	s.Close("test")
	<-watch.Done()
	assert.ErrorIs(t, s.Watch(NewOutbox(4)), ErrSessionGone)
}
