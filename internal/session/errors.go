package session

import (
	"errors"

	"crawlparty.io/internal/protocol"
)

var (
	ErrSessionFull        = errors.New("session full")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionGone        = errors.New("session gone")
	ErrAuthFailed         = errors.New("auth failed")
	ErrNotHost            = errors.New("only the host may do that")
	ErrNotInLobby         = errors.New("session is not in the lobby")
	ErrNotReady           = errors.New("not every participant is ready")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrBadRequest         = errors.New("bad request")
	ErrDriverTimeout      = errors.New("environment driver timed out")
)

// Coordinator-level rejection codes; they sit next to the validator's codes.
const (
	RejectPaused    = "PAUSED"
	RejectNotActive = "NOT_ACTIVE"
)

// Code maps a session error to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionFull):
		return protocol.ErrSessionFull
	case errors.Is(err, ErrSessionNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, ErrSessionGone):
		return protocol.ErrSessionGone
	case errors.Is(err, ErrAuthFailed):
		return protocol.ErrAuthFailed
	case errors.Is(err, ErrNotHost):
		return protocol.ErrNotHost
	case errors.Is(err, ErrNotInLobby):
		return protocol.ErrNotInLobby
	case errors.Is(err, ErrNotReady):
		return protocol.ErrNotReady
	case errors.Is(err, ErrUnknownParticipant):
		return protocol.ErrUnknownParticipant
	case errors.Is(err, ErrBadRequest), errors.Is(err, protocol.ErrBadFrame):
		return protocol.ErrBadRequest
	}
	return protocol.ErrInternal
}
