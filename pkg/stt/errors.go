package stt

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNoAPIKey       = errors.New("stt: API key required")
	ErrAlreadyStarted = errors.New("stt: channel already started")
	ErrNotStarted     = errors.New("stt: channel not started")
	ErrConnectionLost = errors.New("stt: connection lost")
)

// ChannelError reports a failure of a channel operation.
type ChannelError struct {
	Provider string
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("stt [%s]: %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ChannelError) Unwrap() error {
	return e.Err
}
