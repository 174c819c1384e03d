package types

import "errors"

// Error taxonomy of the signaling core. The relay converts these into unicast
// error envelopes and keeps the room loop alive.
var (
	ErrMalformed   = errors.New("malformed message")
	ErrNotFound    = errors.New("not found")
	ErrRoomFull    = errors.New("room full")
	ErrRateLimited = errors.New("rate limited")
)

// ErrorCode maps an error to the wire-level error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return "malformed-message"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrRoomFull):
		return "room-full"
	case errors.Is(err, ErrRateLimited):
		return "rate-limited"
	}
	return "internal"
}
