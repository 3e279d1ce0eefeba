package session

import (
	"errors"
	"fmt"

	"despotify/internal/engine"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current state.
	ErrInvalidState = errors.New("operation not allowed in current session state")
	// ErrLoggedOut is returned for operations on, or queued calls drained
	// by, a logged out session.
	ErrLoggedOut = errors.New("session logged out")
	// ErrHandleFailed is returned once an engine call has crashed the handle.
	ErrHandleFailed = errors.New("engine handle failed")
	// ErrAuthInProgress rejects a second concurrent Authenticate.
	ErrAuthInProgress = errors.New("authentication already in progress")
	// ErrClosed is returned when the control loop has shut down.
	ErrClosed = errors.New("session closed")
)

// AuthenticationError reports that the engine rejected the credentials.
type AuthenticationError struct {
	Username string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %q", e.Username)
}

// PlaybackStartError reports that playback could not begin for a URI.
type PlaybackStartError struct {
	URI string
	Err error
}

func (e *PlaybackStartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to start playback of %s: %v", e.URI, e.Err)
	}
	return fmt.Sprintf("failed to start playback of %s", e.URI)
}

func (e *PlaybackStartError) Unwrap() error {
	return e.Err
}

// DecodeError is the stream error of a track whose PCM pull failed.
type DecodeError struct {
	Status engine.Status
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode failed with status %d", e.Status)
	}
	return fmt.Sprintf("decode failed with status %d: %s", e.Status, e.Detail)
}

// PlaybackError carries the text of an engine playback-error signal.
type PlaybackError struct {
	Detail string
}

func (e *PlaybackError) Error() string {
	if e.Detail == "" {
		return "playback error"
	}
	return "playback error: " + e.Detail
}
