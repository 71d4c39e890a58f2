package tts

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds synthesis configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// Provider credentials
	APIKey    string
	BaseURL   string
	WSBaseURL string

	// Voice configuration
	VoiceID       string
	ModelID       string
	VoiceSettings VoiceSettings

	// OutputFormat is requested from the provider.
	OutputFormat Encoding
	// SampleRate is the PCM rate delivered to the Observer.
	SampleRate int

	// ChunkSchedule controls when the WebSocket API starts generating
	// (characters buffered before each successive generation).
	ChunkSchedule []int
	// MaxSegmentChars bounds a sentence sent to the HTTP API when no
	// punctuation is found.
	MaxSegmentChars int
	// QueueSize bounds pending HTTP segments; StreamText blocks when full.
	QueueSize int

	// Timeouts
	Timeout       time.Duration
	StreamTimeout time.Duration
	DialTimeout   time.Duration
	WriteTimeout  time.Duration

	// Retries for opening an HTTP stream.
	MaxRetries int
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Option is a functional option for configuring TTS providers.
type Option func(*Config)

// WithAPIKey sets the API key for the provider.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL overrides the HTTP API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithWSBaseURL overrides the WebSocket API base URL.
func WithWSBaseURL(url string) Option {
	return func(c *Config) { c.WSBaseURL = url }
}

// WithVoice sets the voice ID. Preset names are resolved.
func WithVoice(voice string) Option {
	return func(c *Config) { c.VoiceID = ResolveElevenLabsVoice(voice) }
}

// WithModel sets the model ID.
func WithModel(modelID string) Option {
	return func(c *Config) { c.ModelID = modelID }
}

// WithOutputFormat sets the format requested from the provider.
func WithOutputFormat(format Encoding) Option {
	return func(c *Config) { c.OutputFormat = format }
}

// WithSampleRate sets the PCM rate delivered to the observer.
func WithSampleRate(rate int) Option {
	return func(c *Config) { c.SampleRate = rate }
}

// WithVoiceSettings sets voice characteristics.
func WithVoiceSettings(settings VoiceSettings) Option {
	return func(c *Config) { c.VoiceSettings = settings }
}

// WithTimeout sets the request timeout for non-streaming requests.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.Timeout = timeout }
}

// WithStreamTimeout sets the timeout for streaming requests.
func WithStreamTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.StreamTimeout = timeout }
}

// WithRetry configures retry behavior when opening HTTP streams.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithQueueSize sets the HTTP segment queue capacity.
func WithQueueSize(n int) Option {
	return func(c *Config) { c.QueueSize = n }
}

// WithLogger sets the structured logger for the provider.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// DefaultConfig returns telephony defaults: 8 kHz PCM delivered to the
// observer, low-latency model.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:         elevenLabsBaseURL,
		WSBaseURL:       elevenLabsWSBaseURL,
		VoiceID:         DefaultVoiceID,
		ModelID:         ModelTurboV2_5,
		VoiceSettings:   DefaultVoiceSettings(),
		OutputFormat:    EncodingPCM8,
		SampleRate:      8000,
		ChunkSchedule:   []int{120, 160, 250, 290},
		MaxSegmentChars: 200,
		QueueSize:       16,
		Timeout:         30 * time.Second,
		StreamTimeout:   60 * time.Second,
		DialTimeout:     10 * time.Second,
		WriteTimeout:    5 * time.Second,
		RetryDelay:      100 * time.Millisecond,
		Logger:          slog.Default(),
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
	if c.VoiceID == "" {
		return ErrNoVoiceID
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("tts: invalid sample rate %d", c.SampleRate)
	}
	if !c.OutputFormat.IsPCM() && !c.OutputFormat.IsMP3() {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, c.OutputFormat)
	}
	return nil
}
