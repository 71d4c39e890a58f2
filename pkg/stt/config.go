package stt

import (
	"log/slog"
	"time"
)

// Config holds transcription channel settings.
type Config struct {
	APIKey string
	URL    string

	SampleRate int
	// EndUtteranceSilence is how much trailing silence closes an utterance.
	EndUtteranceSilence time.Duration
	// MinChunk is the minimum audio duration per network send.
	MinChunk time.Duration
	// QueueSize bounds buffered SendAudio calls; overflow is dropped.
	QueueSize int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// StopTimeout bounds the wait for the service to acknowledge
	// termination.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// Option is a functional option for configuring channels.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithURL overrides the realtime endpoint.
func WithURL(url string) Option {
	return func(c *Config) { c.URL = url }
}

// WithSampleRate sets the PCM sample rate sent to the service.
func WithSampleRate(rate int) Option {
	return func(c *Config) { c.SampleRate = rate }
}

// WithEndUtteranceSilence sets the end-of-utterance silence threshold.
func WithEndUtteranceSilence(d time.Duration) Option {
	return func(c *Config) { c.EndUtteranceSilence = d }
}

// WithMinChunk sets the minimum audio duration per send.
func WithMinChunk(d time.Duration) Option {
	return func(c *Config) { c.MinChunk = d }
}

// WithQueueSize sets the send queue capacity.
func WithQueueSize(n int) Option {
	return func(c *Config) { c.QueueSize = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns AssemblyAI realtime defaults for telephony audio.
func DefaultConfig() *Config {
	return &Config{
		URL:                 "wss://api.assemblyai.com/v2/realtime/ws",
		SampleRate:          8000,
		EndUtteranceSilence: 700 * time.Millisecond,
		MinChunk:            100 * time.Millisecond,
		QueueSize:           256,
		DialTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		StopTimeout:         2 * time.Second,
		Logger:              slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}

// minChunkBytes is MinChunk expressed in PCM16 bytes.
func (c *Config) minChunkBytes() int {
	return int(c.MinChunk.Seconds()*float64(c.SampleRate)) * 2
}
