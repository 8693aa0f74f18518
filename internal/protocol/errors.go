package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoTooMany    = "E_PROTO_TOO_MANY_ERRORS"

	// Session lifecycle.
	ErrSessionFull        = "E_SESSION_FULL"
	ErrSessionNotFound    = "E_SESSION_NOT_FOUND"
	ErrSessionGone        = "E_SESSION_GONE"
	ErrSessionTerminated  = "E_SESSION_TERMINATED"
	ErrAuthFailed         = "E_AUTH_FAILED"
	ErrNotHost            = "E_NOT_HOST"
	ErrNotInLobby         = "E_NOT_IN_LOBBY"
	ErrNotReady           = "E_NOT_READY"
	ErrUnknownParticipant = "E_UNKNOWN_PARTICIPANT"

	// Action layer. Validator rejections travel as their own codes
	// (TILE_OCCUPIED, COOLDOWN, ...) inside a "rejected" system event.
	ErrActionRejected = "E_ACTION_REJECTED"
	ErrActionFault    = "E_ACTION_FAULT"
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:    {},
	ErrProtoTooMany:       {},
	ErrSessionFull:        {},
	ErrSessionNotFound:    {},
	ErrSessionGone:        {},
	ErrSessionTerminated:  {},
	ErrAuthFailed:         {},
	ErrNotHost:            {},
	ErrNotInLobby:         {},
	ErrNotReady:           {},
	ErrUnknownParticipant: {},
	ErrActionRejected:     {},
	ErrActionFault:        {},
	ErrBadRequest:         {},
	ErrInternal:           {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
