package session

import "errors"

// Sentinel errors surfaced to callers; each maps to one of the documented
// error kinds and is reported to the client as an "error" control message
// rather than tearing down the connection.
var (
	// ErrInvalidFrame: audio payload size is not divisible by 2.
	ErrInvalidFrame = errors.New("session: audio frame size not divisible by 2")
	// ErrInvalidJSON: control message failed to parse.
	ErrInvalidJSON = errors.New("session: invalid control message")
	// ErrNotStarted: audio or stop received before start.
	ErrNotStarted = errors.New("session: audio received before start")
	// ErrAlreadyStarted: a second start arrived for an already-started session.
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrDecodeFailed wraps a decoder error surfaced to the client; it never
	// advances the commit point for a failed final.
	ErrDecodeFailed = errors.New("session: decode failed")
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("session: connection closed")
)

// errorCode maps an internal error to the wire "code" field.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidFrame):
		return "INVALID_FRAME"
	case errors.Is(err, ErrInvalidJSON):
		return "INVALID_JSON"
	case errors.Is(err, ErrNotStarted):
		return "NOT_STARTED"
	case errors.Is(err, ErrDecodeFailed):
		return "DECODE_FAIL"
	default:
		return "ERROR"
	}
}
