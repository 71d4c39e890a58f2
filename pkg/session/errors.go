package session

import "errors"

// Error classes. Concrete provider errors are wrapped with one of these so
// callers can apply policy with errors.Is.
var (
	// ErrChannelConnection reports an STT or TTS channel failure.
	ErrChannelConnection = errors.New("session: channel connection failed")

	// ErrGeneration reports a text generation failure.
	ErrGeneration = errors.New("session: generation failed")

	// ErrTransport reports a failed write to the call's media leg.
	ErrTransport = errors.New("session: transport send failed")

	// ErrClosed is returned by operations on a session that has shut down.
	ErrClosed = errors.New("session: closed")
)
