package stt

import (
	"context"
	"sync"
)

// Mock is a Channel for tests. Transcripts are injected with Emit.
type Mock struct {
	// StartErr, when set, is returned by Start.
	StartErr error

	mu      sync.Mutex
	obs     Observer
	started bool
	stopped bool
	stops   int
	audio   [][]byte
}

// NewMock creates an unstarted mock channel.
func NewMock() *Mock {
	return &Mock{}
}

// Start records the observer.
func (m *Mock) Start(ctx context.Context, obs Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return &ChannelError{Provider: "mock", Op: "start", Err: m.StartErr}
	}
	if m.started {
		return &ChannelError{Provider: "mock", Op: "start", Err: ErrAlreadyStarted}
	}
	m.started = true
	m.obs = obs
	return nil
}

// SendAudio records audio until the channel is stopped.
func (m *Mock) SendAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	m.audio = append(m.audio, buf)
	return nil
}

// Stop marks the channel stopped.
func (m *Mock) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.stopped = true
	return nil
}

// Emit delivers a transcript to the observer.
func (m *Mock) Emit(text string, final bool) {
	m.mu.Lock()
	obs := m.obs
	m.mu.Unlock()
	if obs != nil {
		obs.OnTranscript(Transcript{Text: text, Final: final})
	}
}

// Fail delivers an error to the observer.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	obs := m.obs
	m.mu.Unlock()
	if obs != nil {
		obs.OnError(err)
	}
}

// Audio returns the recorded audio chunks.
func (m *Mock) Audio() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.audio))
	copy(out, m.audio)
	return out
}

// Stopped reports whether Stop was called.
func (m *Mock) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// StopCount returns how many times Stop was called.
func (m *Mock) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

var _ Channel = (*Mock)(nil)
