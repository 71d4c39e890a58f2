// Package config loads go-phoneagent configuration from an optional YAML
// file, a .env file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort                = 8080
	DefaultSampleRate          = 8000
	DefaultSystemPrompt        = "You are a helpful FR assistant."
	DefaultLLMModel            = "gpt-4o"
	DefaultLLMBaseURL          = "https://api.openai.com/v1"
	DefaultTemperature         = 0.7
	DefaultVoiceID             = "TxGEqnHWrfWFTfG4DY78"
	DefaultTTSModel            = "eleven_turbo_v2_5"
	DefaultStability           = 0.3
	DefaultSimilarityBoost     = 0.75
	DefaultEndUtteranceSilence = 700 * time.Millisecond
	DefaultMediaPath           = "/ws/media"

	TTSModeWebSocket = "websocket"
	TTSModeHTTP      = "http"
)

// Config is the full process configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
	STT     STTConfig     `yaml:"stt"`
	LLM     LLMConfig     `yaml:"llm"`
	TTS     TTSConfig     `yaml:"tts"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Port int `yaml:"port"`
	// PublicHost is the host Twilio reaches us on. When empty the Host
	// header of the webhook request is used.
	PublicHost string `yaml:"public_host"`
	MediaPath  string `yaml:"media_path"`
}

// AgentConfig holds per-call conversation settings.
type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	SampleRate   int    `yaml:"sample_rate"`
	// BargeInThreshold is the normalized RMS energy an inbound frame must
	// reach to interrupt the assistant. Zero means any audio interrupts.
	BargeInThreshold float64 `yaml:"barge_in_threshold"`
}

// STTConfig configures the realtime transcription provider.
type STTConfig struct {
	APIKey              string        `yaml:"api_key"`
	URL                 string        `yaml:"url"`
	EndUtteranceSilence time.Duration `yaml:"end_utterance_silence"`
}

// LLMConfig configures the text generator and its optional fallback.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	FallbackAPIKey  string `yaml:"fallback_api_key"`
	FallbackBaseURL string `yaml:"fallback_base_url"`
	FallbackModel   string `yaml:"fallback_model"`
}

// TTSConfig configures speech synthesis.
type TTSConfig struct {
	Mode            string  `yaml:"mode"`
	APIKey          string  `yaml:"api_key"`
	VoiceID         string  `yaml:"voice_id"`
	Model           string  `yaml:"model"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with defaults and no credentials.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      DefaultPort,
			MediaPath: DefaultMediaPath,
		},
		Agent: AgentConfig{
			SystemPrompt: DefaultSystemPrompt,
			SampleRate:   DefaultSampleRate,
		},
		STT: STTConfig{
			EndUtteranceSilence: DefaultEndUtteranceSilence,
		},
		LLM: LLMConfig{
			BaseURL:     DefaultLLMBaseURL,
			Model:       DefaultLLMModel,
			Temperature: DefaultTemperature,
		},
		TTS: TTSConfig{
			Mode:            TTSModeWebSocket,
			VoiceID:         DefaultVoiceID,
			Model:           DefaultTTSModel,
			Stability:       DefaultStability,
			SimilarityBoost: DefaultSimilarityBoost,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory if present, and
// environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("ASSEMBLYAI_API_KEY", &c.STT.APIKey)
	str("OPENAI_API_KEY", &c.LLM.APIKey)
	str("OPENAI_BASE_URL", &c.LLM.BaseURL)
	str("LLM_MODEL", &c.LLM.Model)
	str("ELEVENLABS_API_KEY", &c.TTS.APIKey)
	str("ELEVENLABS_VOICE_ID", &c.TTS.VoiceID)
	str("TTS_MODE", &c.TTS.Mode)
	str("SYSTEM_PROMPT", &c.Agent.SystemPrompt)
	str("PUBLIC_HOST", &c.Server.PublicHost)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &c.Server.Port},
		{"SAMPLE_RATE", &c.Agent.SampleRate},
	}
	for _, i := range ints {
		v, ok := lookup(i.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", i.key, err)
		}
		*i.dst = n
	}
	return nil
}

// Validate checks that required credentials are present and values are in
// range.
func (c *Config) Validate() error {
	var errs []error
	if c.STT.APIKey == "" {
		errs = append(errs, errors.New("stt api key is required (ASSEMBLYAI_API_KEY)"))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm api key is required (OPENAI_API_KEY)"))
	}
	if c.TTS.APIKey == "" {
		errs = append(errs, errors.New("tts api key is required (ELEVENLABS_API_KEY)"))
	}
	if c.TTS.VoiceID == "" {
		errs = append(errs, errors.New("tts voice id is required"))
	}
	switch c.Agent.SampleRate {
	case 8000, 16000, 22050, 24000, 44100:
	default:
		errs = append(errs, fmt.Errorf("unsupported sample rate %d", c.Agent.SampleRate))
	}
	if c.Agent.BargeInThreshold < 0 || c.Agent.BargeInThreshold > 1 {
		errs = append(errs, errors.New("barge-in threshold must be between 0 and 1"))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, errors.New("llm temperature must be between 0 and 2"))
	}
	if c.TTS.Mode != TTSModeWebSocket && c.TTS.Mode != TTSModeHTTP {
		errs = append(errs, fmt.Errorf("unknown tts mode %q", c.TTS.Mode))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// HasFallbackLLM reports whether a secondary generator is configured.
func (c *Config) HasFallbackLLM() bool {
	return c.LLM.FallbackBaseURL != "" && c.LLM.FallbackAPIKey != ""
}
