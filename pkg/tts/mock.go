package tts

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
type Mock struct {
	// StreamFunc is called when Stream is invoked. If nil, returns 20ms of
	// 8 kHz silence per character.
	StreamFunc func(ctx context.Context, text string) (AudioStream, error)

	// HealthFunc is called when Health is invoked.
	HealthFunc func(ctx context.Context) error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Text   string
	Time   time.Time
}

// NewMock creates a mock provider.
func NewMock() *Mock {
	return &Mock{}
}

// Stream calls StreamFunc and records the call.
func (m *Mock) Stream(ctx context.Context, text string) (AudioStream, error) {
	m.record("Stream", text)
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, text)
	}
	return NewChunkStream(AudioFormat{Encoding: EncodingPCM8, SampleRate: 8000, Channels: 1, BitDepth: 16},
		make([]byte, len(text)*320)), nil
}

// Health calls HealthFunc and records the call.
func (m *Mock) Health(ctx context.Context) error {
	m.record("Health", "")
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// Close records the call.
func (m *Mock) Close() error {
	m.record("Close", "")
	return nil
}

func (m *Mock) record(method, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Text: text, Time: time.Now()})
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ChunkStream is an AudioStream over fixed chunks.
type ChunkStream struct {
	format AudioFormat
	chunks [][]byte
	closed bool
}

// NewChunkStream returns a stream yielding chunks in order.
func NewChunkStream(format AudioFormat, chunks ...[]byte) *ChunkStream {
	return &ChunkStream{format: format, chunks: chunks}
}

// Read returns the next chunk or nil at the end.
func (s *ChunkStream) Read() ([]byte, error) {
	if s.closed || len(s.chunks) == 0 {
		return nil, nil
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

// Close ends the stream.
func (s *ChunkStream) Close() error {
	s.closed = true
	return nil
}

// Format returns the audio format.
func (s *ChunkStream) Format() AudioFormat {
	return s.format
}

// MockChannel is a Channel for tests. Audio is injected with EmitAudio.
type MockChannel struct {
	// StreamTextFunc, when set, runs for every StreamText call and its
	// error is returned.
	StreamTextFunc func(text string) error

	// FlushFunc, when set, replaces the default immediate Flush.
	FlushFunc func(ctx context.Context) error

	// StartErr, when set, is returned by Start.
	StartErr error

	mu      sync.Mutex
	obs     Observer
	started bool
	texts   []string
	flushes int
	resets  int
	closes  int
}

// NewMockChannel creates an unstarted mock channel.
func NewMockChannel() *MockChannel {
	return &MockChannel{}
}

// Start records the observer.
func (m *MockChannel) Start(ctx context.Context, obs Observer) error {
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

// StreamText records text.
func (m *MockChannel) StreamText(text string) error {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	fn := m.StreamTextFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(text)
	}
	return nil
}

// Flush records the call.
func (m *MockChannel) Flush(ctx context.Context) error {
	m.mu.Lock()
	m.flushes++
	fn := m.FlushFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Reset records the call.
func (m *MockChannel) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return nil
}

// Close records the call.
func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// EmitAudio delivers pcm to the observer.
func (m *MockChannel) EmitAudio(pcm []byte) {
	m.mu.Lock()
	obs := m.obs
	m.mu.Unlock()
	if obs != nil {
		obs.OnAudioChunk(pcm)
	}
}

// Fail delivers err to the observer.
func (m *MockChannel) Fail(err error) {
	m.mu.Lock()
	obs := m.obs
	m.mu.Unlock()
	if obs != nil {
		obs.OnError(err)
	}
}

// Texts returns the text passed to StreamText, in order.
func (m *MockChannel) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.texts))
	copy(out, m.texts)
	return out
}

// Flushes returns the number of Flush calls.
func (m *MockChannel) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

// Resets returns the number of Reset calls.
func (m *MockChannel) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// Closes returns the number of Close calls.
func (m *MockChannel) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

var (
	_ Provider = (*Mock)(nil)
	_ Channel  = (*MockChannel)(nil)
)
