// Package providers builds the STT, LLM and TTS clients from process
// configuration.
package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-phoneagent/internal/config"
	"github.com/teslashibe/go-phoneagent/pkg/inference"
	"github.com/teslashibe/go-phoneagent/pkg/session"
	"github.com/teslashibe/go-phoneagent/pkg/stt"
	"github.com/teslashibe/go-phoneagent/pkg/tts"
)

// NewChannelFactory returns the factory the registry uses to give each
// call its own recognition and synthesis connections. The generator is
// stateless and shared.
func NewChannelFactory(cfg *config.Config, llm inference.Generator, logger *slog.Logger) session.ChannelFactory {
	return func(ctx context.Context, id string) (session.Channels, error) {
		logger := logger.With("session_id", id)

		opts := []stt.Option{
			stt.WithAPIKey(cfg.STT.APIKey),
			stt.WithSampleRate(cfg.Agent.SampleRate),
			stt.WithEndUtteranceSilence(cfg.STT.EndUtteranceSilence),
			stt.WithLogger(logger),
		}
		if cfg.STT.URL != "" {
			opts = append(opts, stt.WithURL(cfg.STT.URL))
		}
		recognizer, err := stt.NewAssemblyAI(opts...)
		if err != nil {
			return session.Channels{}, fmt.Errorf("stt: %w", err)
		}

		synth, err := NewSynthesisChannel(cfg, logger)
		if err != nil {
			return session.Channels{}, fmt.Errorf("tts: %w", err)
		}

		return session.Channels{STT: recognizer, TTS: synth, LLM: llm}, nil
	}
}

// NewSynthesisChannel builds the per-call synthesis channel for the
// configured mode.
func NewSynthesisChannel(cfg *config.Config, logger *slog.Logger) (tts.Channel, error) {
	if cfg.TTS.Mode == config.TTSModeHTTP {
		provider, err := NewSpeechProvider(cfg, logger)
		if err != nil {
			return nil, err
		}
		return tts.NewHTTPChannel(provider, ttsOptions(cfg, logger)...), nil
	}
	return tts.NewElevenLabsWS(ttsOptions(cfg, logger)...)
}

// NewSpeechProvider builds the HTTP streaming provider. It requests MP3,
// decoded in process, as the HTTP API's most widely available format.
func NewSpeechProvider(cfg *config.Config, logger *slog.Logger) (*tts.ElevenLabs, error) {
	opts := append(ttsOptions(cfg, logger), tts.WithOutputFormat(tts.EncodingMP322))
	return tts.NewElevenLabs(opts...)
}

func ttsOptions(cfg *config.Config, logger *slog.Logger) []tts.Option {
	settings := tts.DefaultVoiceSettings()
	settings.Stability = cfg.TTS.Stability
	settings.SimilarityBoost = cfg.TTS.SimilarityBoost

	return []tts.Option{
		tts.WithAPIKey(cfg.TTS.APIKey),
		tts.WithVoice(cfg.TTS.VoiceID),
		tts.WithModel(cfg.TTS.Model),
		tts.WithVoiceSettings(settings),
		tts.WithSampleRate(cfg.Agent.SampleRate),
		tts.WithLogger(logger),
	}
}

// NewGenerator builds the shared LLM client, chained with the fallback
// provider when one is configured.
func NewGenerator(cfg *config.Config, logger *slog.Logger) (inference.Provider, error) {
	primary, err := inference.NewClient(
		inference.WithName("primary"),
		inference.WithBaseURL(cfg.LLM.BaseURL),
		inference.WithAPIKey(cfg.LLM.APIKey),
		inference.WithModel(cfg.LLM.Model),
		inference.WithTemperature(cfg.LLM.Temperature),
		inference.WithMaxTokens(cfg.LLM.MaxTokens),
		inference.WithLogger(logger.With("component", "inference")),
	)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	if !cfg.HasFallbackLLM() {
		return primary, nil
	}

	model := cfg.LLM.FallbackModel
	if model == "" {
		model = cfg.LLM.Model
	}
	fallback, err := inference.NewClient(
		inference.WithName("fallback"),
		inference.WithBaseURL(cfg.LLM.FallbackBaseURL),
		inference.WithAPIKey(cfg.LLM.FallbackAPIKey),
		inference.WithModel(model),
		inference.WithTemperature(cfg.LLM.Temperature),
		inference.WithMaxTokens(cfg.LLM.MaxTokens),
		inference.WithLogger(logger.With("component", "inference")),
	)
	if err != nil {
		return nil, fmt.Errorf("llm fallback: %w", err)
	}
	return inference.NewChainWithLogger(logger.With("component", "inference"), primary, fallback)
}
