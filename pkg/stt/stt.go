// Package stt streams call audio to a realtime transcription service and
// reports partial and final transcripts.
package stt

import "context"

// Transcript is a recognition result.
type Transcript struct {
	Text string
	// Final marks an end-of-utterance result. Partials are revised until a
	// final arrives.
	Final bool
}

// Observer receives transcripts and errors. Calls come from a single
// goroutine per channel, in the order the service produced them.
type Observer interface {
	OnTranscript(t Transcript)
	// OnError reports provider failures. Errors matching ErrConnectionLost
	// mean the channel is unusable.
	OnError(err error)
}

// Channel is a streaming transcription connection owned by one call.
type Channel interface {
	// Start connects and begins delivering results to obs. ctx bounds the
	// connection setup only; the stream runs until Stop. It may be called
	// once.
	Start(ctx context.Context, obs Observer) error

	// SendAudio queues PCM16 mono audio. It never blocks on the network.
	// After Stop it is a no-op.
	SendAudio(pcm []byte) error

	// Stop terminates the stream and waits for its goroutines. Idempotent.
	Stop() error
}
