package protocol

import (
	"fmt"

	"crawlparty.io/internal/sim/world"
)

// Hello ops.
const (
	HelloCreate    = "create"
	HelloJoin      = "join"
	HelloReconnect = "reconnect"
)

// hello (client -> server), always the first frame on a connection.
type HelloData struct {
	Op         string `json:"op"`
	Name       string `json:"name,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Credential string `json:"credential,omitempty"`
	AccessKey  string `json:"access_key,omitempty"`

	// create only; fixed for the life of the session.
	ActionsPerRound int    `json:"actions_per_round,omitempty"`
	ConflictPolicy  string `json:"conflict_policy,omitempty"`
}

// action (client -> server). Type-specific fields are optional on the wire
// and checked by DecodeAction.
type ActionData struct {
	ActionType string     `json:"action_type"`
	ActorID    string     `json:"actor_id"`
	To         *world.Pos `json:"to,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`
	Recipe     string     `json:"recipe,omitempty"`
	// DryRun asks for a precheck only; nothing is submitted.
	DryRun bool `json:"dry_run,omitempty"`
}

type ChatData struct {
	Text string `json:"text"`
}

const (
	QuickWait   = "wait"
	QuickResync = "resync"
)

type QuickCommandData struct {
	Command string `json:"command"`
	ActorID string `json:"actor_id,omitempty"`
}

type PauseData struct {
	Paused bool `json:"paused"`
}

const (
	ControlReady   = "ready"
	ControlStart   = "start"
	ControlLeave   = "leave"
	ControlDisband = "disband"
)

type ControlData struct {
	Op    string `json:"op"`
	Ready *bool  `json:"ready,omitempty"`
}

// DecodeAction turns the wire action into the closed world.Action set.
func DecodeAction(d ActionData) (world.Action, error) {
	if d.ActorID == "" {
		return nil, fmt.Errorf("%w: missing actor_id", ErrBadFrame)
	}
	switch world.ActionKind(d.ActionType) {
	case world.ActMove:
		if d.To == nil {
			return nil, fmt.Errorf("%w: move requires to", ErrBadFrame)
		}
		return world.Move{ActorID: d.ActorID, To: *d.To}, nil
	case world.ActAttack:
		if d.TargetID == "" {
			return nil, fmt.Errorf("%w: attack requires target_id", ErrBadFrame)
		}
		return world.Attack{ActorID: d.ActorID, TargetID: d.TargetID}, nil
	case world.ActMine:
		if d.TargetID == "" {
			return nil, fmt.Errorf("%w: mine requires target_id", ErrBadFrame)
		}
		return world.Mine{ActorID: d.ActorID, TargetID: d.TargetID}, nil
	case world.ActCraft:
		if d.Recipe == "" {
			return nil, fmt.Errorf("%w: craft requires recipe", ErrBadFrame)
		}
		return world.Craft{ActorID: d.ActorID, Recipe: d.Recipe}, nil
	case world.ActWait:
		return world.Wait{ActorID: d.ActorID}, nil
	}
	return nil, fmt.Errorf("%w: unknown action_type %q", ErrBadFrame, d.ActionType)
}

// EncodeAction is the inverse of DecodeAction, used by clients and the replay log.
func EncodeAction(a world.Action) ActionData {
	d := ActionData{ActionType: string(a.Kind()), ActorID: a.Actor()}
	switch v := a.(type) {
	case world.Move:
		to := v.To
		d.To = &to
	case world.Attack:
		d.TargetID = v.TargetID
	case world.Mine:
		d.TargetID = v.TargetID
	case world.Craft:
		d.Recipe = v.Recipe
	}
	return d
}

// state (server -> client): a full snapshot.
type StateData struct {
	SessionID        string            `json:"session_id"`
	Status           string            `json:"status"`
	Paused           bool              `json:"paused"`
	ActionsPerRound  int               `json:"actions_per_round"`
	Seq              uint64            `json:"seq"`
	TurnCount        uint64            `json:"turn_count"`
	RoundActionCount int               `json:"round_action_count"`
	Map              world.MapRef      `json:"map"`
	Entities         []world.Entity    `json:"entities"`
	Participants     []ParticipantView `json:"participants"`
}

type ParticipantView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	EntityID string `json:"entity_id"`
	Status   string `json:"status"`
	Host     bool   `json:"host,omitempty"`
	Ready    bool   `json:"ready,omitempty"`
}

// delta (server -> client).
type DeltaData struct {
	Seq      uint64         `json:"seq"`
	Turn     uint64         `json:"turn"`
	Kind     string         `json:"kind"`
	Origin   string         `json:"origin,omitempty"`
	Changes  []world.Change `json:"changes"`
	Messages []string       `json:"messages"`
}

func DeltaFrom(d world.Delta) DeltaData {
	return DeltaData{
		Seq:      d.Seq,
		Turn:     d.Turn,
		Kind:     string(d.Kind),
		Origin:   d.Origin,
		Changes:  d.Changes,
		Messages: d.Messages,
	}
}

// chat (server -> client).
type ChatOut struct {
	From string `json:"from"`
	Name string `json:"name"`
	Text string `json:"text"`
}

// System events.
const (
	EventWelcome      = "welcome"
	EventError        = "error"
	EventRejected     = "rejected"
	EventFault        = "fault"
	EventPrecheck     = "precheck"
	EventJoined       = "participant_joined"
	EventLeft         = "participant_left"
	EventDisconnected = "participant_disconnected"
	EventReconnected  = "participant_reconnected"
	EventRemoved      = "participant_removed"
	EventReady        = "ready_changed"
	EventHostChanged  = "host_changed"
	EventStarted      = "started"
	EventPaused       = "paused"
	EventResumed      = "resumed"
	EventDisbanded    = "disbanded"
	EventTerminated   = "terminated"
	EventWiped        = "wiped"
)

// system (server -> client).
type SystemData struct {
	Event   string `json:"event"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	SessionID       string `json:"session_id,omitempty"`
	ParticipantID   string `json:"participant_id,omitempty"`
	EntityID        string `json:"entity_id,omitempty"`
	Credential      string `json:"credential,omitempty"`
	ActionsPerRound int    `json:"actions_per_round,omitempty"`
	ConflictPolicy  string `json:"conflict_policy,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`

	// precheck only.
	OK *bool `json:"ok,omitempty"`
}
