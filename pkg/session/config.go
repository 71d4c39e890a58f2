package session

import (
	"log/slog"

	"github.com/teslashibe/go-phoneagent/pkg/metrics"
)

// DefaultSystemPrompt is the persona used when none is configured.
const DefaultSystemPrompt = "You are a helpful FR assistant."

// Config holds per-session settings. Use functional options to set them.
type Config struct {
	SystemPrompt string
	// SampleRate is the PCM rate shared by the STT input and TTS output.
	SampleRate int
	// BargeInThreshold is the normalized RMS (0..1) an inbound frame must
	// reach to interrupt the assistant. Zero means any audio interrupts.
	BargeInThreshold float64

	// Generation parameters; zero values leave provider defaults.
	Model       string
	Temperature float64
	MaxTokens   int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Monitor Monitor
}

// Option configures a session.
type Option func(*Config)

// WithSystemPrompt sets the persona turn that opens every history.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) { c.SystemPrompt = prompt }
}

// WithSampleRate sets the pipeline PCM rate.
func WithSampleRate(rate int) Option {
	return func(c *Config) { c.SampleRate = rate }
}

// WithBargeInThreshold sets the inbound energy that counts as speech.
func WithBargeInThreshold(rms float64) Option {
	return func(c *Config) { c.BargeInThreshold = rms }
}

// WithGeneration sets model parameters for every turn.
func WithGeneration(model string, temperature float64, maxTokens int) Option {
	return func(c *Config) {
		c.Model = model
		c.Temperature = temperature
		c.MaxTokens = maxTokens
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithMonitor sets the activity feed.
func WithMonitor(m Monitor) Option {
	return func(c *Config) { c.Monitor = m }
}

// DefaultConfig returns telephony defaults.
func DefaultConfig() *Config {
	return &Config{
		SystemPrompt: DefaultSystemPrompt,
		SampleRate:   8000,
		Logger:       slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
