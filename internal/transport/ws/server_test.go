package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlparty.io/internal/protocol"
	"crawlparty.io/internal/session"
	"crawlparty.io/internal/sim/combat"
	"crawlparty.io/internal/sim/dungeon"
	"crawlparty.io/internal/sim/npc"
)

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *session.Registry, *Server) {
	t.Helper()
	creds, err := session.NewCredentials([]byte("ws-test-secret-0123456789"), time.Hour)
	require.NoError(t, err)
	f := combat.NewStandard()
	base := session.DefaultConfig()
	base.Grace = 5 * time.Second
	reg := session.NewRegistry(session.RegistryConfig{Base: base}, session.Deps{
		Generate:    dungeon.Generate,
		Formulas:    f,
		Driver:      npc.New(f),
		Credentials: creds,
	})
	schemas, err := protocol.LoadSchemas()
	require.NoError(t, err)

	srv := NewServer(reg, schemas, cfg, log.New(io.Discard, "", 0))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		reg.Close()
	})
	return hs, reg, srv
}

func dial(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, typ string, data any) {
	t.Helper()
	b, err := protocol.Encode(typ, time.Now(), data)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
}

func read(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, b, err := c.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(b)
	require.NoError(t, err)
	return env
}

func system(t *testing.T, env protocol.Envelope) protocol.SystemData {
	t.Helper()
	require.Equal(t, protocol.TypeSystem, env.Type)
	var sys protocol.SystemData
	require.NoError(t, json.Unmarshal(env.Data, &sys))
	return sys
}

// waitEvent reads until a system frame with event arrives.
func waitEvent(t *testing.T, c *websocket.Conn, event string) protocol.SystemData {
	t.Helper()
	for {
		env := read(t, c)
		if env.Type != protocol.TypeSystem {
			continue
		}
		if sys := system(t, env); sys.Event == event {
			return sys
		}
	}
}

func waitType(t *testing.T, c *websocket.Conn, typ string) protocol.Envelope {
	t.Helper()
	for {
		if env := read(t, c); env.Type == typ {
			return env
		}
	}
}

// hello sends the handshake and returns the welcome; the next frame is the state.
func hello(t *testing.T, c *websocket.Conn, data protocol.HelloData) protocol.SystemData {
	t.Helper()
	send(t, c, protocol.TypeHello, data)
	welcome := system(t, read(t, c))
	require.Equal(t, protocol.EventWelcome, welcome.Event, "%+v", welcome)
	return welcome
}

func TestServer_CreateJoinStartAndPlay(t *testing.T) {
	hs, _, _ := newTestServer(t, Config{})

	alice := dial(t, hs)
	aw := hello(t, alice, protocol.HelloData{Op: protocol.HelloCreate, Name: "alice", ActionsPerRound: 2})
	assert.Equal(t, 2, aw.ActionsPerRound)
	assert.Equal(t, protocol.Version, aw.ProtocolVersion)
	assert.NotEmpty(t, aw.Credential)
	assert.Equal(t, protocol.TypeState, read(t, alice).Type)

	bob := dial(t, hs)
	bw := hello(t, bob, protocol.HelloData{Op: protocol.HelloJoin, Name: "bob", SessionID: aw.SessionID})
	assert.Equal(t, aw.SessionID, bw.SessionID)
	assert.Equal(t, protocol.TypeState, read(t, bob).Type)

	ready := true
	send(t, bob, protocol.TypeControl, protocol.ControlData{Op: protocol.ControlReady, Ready: &ready})
	waitEvent(t, alice, protocol.EventReady)
	send(t, alice, protocol.TypeControl, protocol.ControlData{Op: protocol.ControlStart})
	waitEvent(t, bob, protocol.EventStarted)

	send(t, alice, protocol.TypeQuickCommand, protocol.QuickCommandData{Command: protocol.QuickWait})
	send(t, bob, protocol.TypeAction, protocol.ActionData{ActionType: "wait", ActorID: bw.EntityID})

	var d protocol.DeltaData
	for d.Kind != "environment" {
		env := waitType(t, alice, protocol.TypeDelta)
		require.NoError(t, json.Unmarshal(env.Data, &d))
	}
	assert.EqualValues(t, 1, d.Turn)

	// Dry run answers only the sender and commits nothing.
	send(t, alice, protocol.TypeAction, protocol.ActionData{ActionType: "wait", ActorID: aw.EntityID, DryRun: true})
	pre := waitEvent(t, alice, protocol.EventPrecheck)
	require.NotNil(t, pre.OK)
	assert.True(t, *pre.OK)
	send(t, alice, protocol.TypeAction, protocol.ActionData{ActionType: "wait", ActorID: bw.EntityID, DryRun: true})
	pre = waitEvent(t, alice, protocol.EventPrecheck)
	require.NotNil(t, pre.OK)
	assert.False(t, *pre.OK)
	assert.Equal(t, "NO_ENTITY", pre.Code)

	send(t, bob, protocol.TypeChat, protocol.ChatData{Text: "onward"})
	chat := waitType(t, alice, protocol.TypeChat)
	assert.Contains(t, string(chat.Data), "onward")
}

func TestServer_RejectsBadHandshake(t *testing.T) {
	hs, _, srv := newTestServer(t, Config{AccessKey: "letmein"})

	c := dial(t, hs)
	send(t, c, protocol.TypeHello, protocol.HelloData{Op: protocol.HelloCreate, Name: "mallory", AccessKey: "nope"})
	sys := system(t, read(t, c))
	assert.Equal(t, protocol.EventError, sys.Event)
	assert.Equal(t, protocol.ErrAuthFailed, sys.Code)

	c2 := dial(t, hs)
	send(t, c2, protocol.TypeChat, protocol.ChatData{Text: "hi"})
	sys = system(t, read(t, c2))
	assert.Equal(t, protocol.ErrProtoBadRequest, sys.Code)

	c3 := dial(t, hs)
	send(t, c3, protocol.TypeHello, protocol.HelloData{Op: protocol.HelloJoin, SessionID: "missing", AccessKey: "letmein"})
	sys = system(t, read(t, c3))
	assert.Equal(t, protocol.ErrSessionNotFound, sys.Code)

	assert.EqualValues(t, 3, srv.Stats().HandshakeFails)
}

func TestServer_DropsAfterRepeatedProtocolErrors(t *testing.T) {
	hs, _, _ := newTestServer(t, Config{MaxProtocolErrors: 2})
	c := dial(t, hs)
	hello(t, c, protocol.HelloData{Op: protocol.HelloCreate, Name: "alice"})

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"action"`)))
	assert.Equal(t, protocol.ErrProtoBadRequest, waitEvent(t, c, protocol.EventError).Code)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport","data":{}}`)))
	assert.Equal(t, protocol.ErrProtoTooMany, waitEvent(t, c, protocol.EventError).Code)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
}

func TestServer_ReconnectAfterDrop(t *testing.T) {
	hs, reg, _ := newTestServer(t, Config{})

	alice := dial(t, hs)
	aw := hello(t, alice, protocol.HelloData{Op: protocol.HelloCreate, Name: "alice"})
	read(t, alice)
	bob := dial(t, hs)
	bw := hello(t, bob, protocol.HelloData{Op: protocol.HelloJoin, Name: "bob", SessionID: aw.SessionID})
	read(t, bob)

	require.NoError(t, bob.Close())
	waitEvent(t, alice, protocol.EventDisconnected)

	again := dial(t, hs)
	rw := hello(t, again, protocol.HelloData{Op: protocol.HelloReconnect, SessionID: aw.SessionID, Credential: bw.Credential})
	assert.Equal(t, bw.ParticipantID, rw.ParticipantID)
	assert.Equal(t, bw.EntityID, rw.EntityID)
	assert.NotEqual(t, bw.Credential, rw.Credential)

	var st protocol.StateData
	require.NoError(t, json.Unmarshal(waitType(t, again, protocol.TypeState).Data, &st))
	assert.Equal(t, aw.SessionID, st.SessionID)
	waitEvent(t, alice, protocol.EventReconnected)

	// Reconnecting into a session that is gone is refused, not restarted.
	s, err := reg.Get(aw.SessionID)
	require.NoError(t, err)
	s.Close("test")
	late := dial(t, hs)
	send(t, late, protocol.TypeHello, protocol.HelloData{Op: protocol.HelloReconnect, SessionID: aw.SessionID, Credential: rw.Credential})
	sys := system(t, read(t, late))
	assert.Equal(t, protocol.ErrSessionGone, sys.Code)
}
