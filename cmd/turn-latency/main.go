// Command turn-latency measures the assistant half of a call turn against
// the configured providers: prompt → first LLM token → first synthesized
// audio → drained.
//
// Usage:
//
//	go run ./cmd/turn-latency -prompt "Bonjour, qui es-tu ?" -runs 3
//	go run ./cmd/turn-latency -out reply.ulaw
//
// The optional output is raw 8 kHz µ-law, playable with
// `ffplay -f mulaw -ar 8000 reply.ulaw`.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/teslashibe/go-phoneagent/internal/config"
	"github.com/teslashibe/go-phoneagent/internal/log"
	"github.com/teslashibe/go-phoneagent/internal/providers"
	"github.com/teslashibe/go-phoneagent/pkg/codec"
	"github.com/teslashibe/go-phoneagent/pkg/inference"
	"github.com/teslashibe/go-phoneagent/pkg/metrics"
	"github.com/teslashibe/go-phoneagent/pkg/tts"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file")
	prompt     = flag.String("prompt", "Bonjour, pouvez-vous vous présenter en une phrase ?", "User utterance to answer")
	runs       = flag.Int("runs", 3, "Number of turns to measure")
	mode       = flag.String("mode", "", "TTS mode override: websocket or http")
	out        = flag.String("out", "", "Write the last reply as raw µ-law to this file")
	timeout    = flag.Duration("timeout", 30*time.Second, "Per-turn timeout")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *mode != "" {
		cfg.TTS.Mode = *mode
	}
	if cfg.STT.APIKey == "" {
		// Recognition is not exercised here.
		cfg.STT.APIKey = "unused"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Init(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llm, err := providers.NewGenerator(cfg, log.L())
	if err != nil {
		return err
	}
	defer llm.Close()

	synth, err := providers.NewSynthesisChannel(cfg, log.L())
	if err != nil {
		return err
	}
	defer synth.Close()

	b := newBench(cfg, llm, synth)
	if err := synth.Start(ctx, b); err != nil {
		return fmt.Errorf("start tts: %w", err)
	}

	fmt.Printf("🔬 %d turn(s), model %s, tts %s\n", *runs, cfg.LLM.Model, cfg.TTS.Mode)
	fmt.Printf("🗣  %q\n\n", *prompt)

	for i := 1; i <= *runs; i++ {
		turnCtx, cancel := context.WithTimeout(ctx, *timeout)
		lat, reply, err := b.turn(turnCtx, *prompt)
		cancel()
		if err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
		fmt.Printf("⚡ Turn %d: %s\n   %q\n", i, lat, reply)
	}

	avg := b.timer.Average()
	fmt.Printf("\n📊 Average over %d turn(s): first token %v, first audio %v, total %v\n",
		b.timer.Turns(), avg.FirstToken.Round(time.Millisecond),
		avg.FirstAudio.Round(time.Millisecond), avg.Total.Round(time.Millisecond))

	if *out != "" {
		audio := b.lastAudio()
		if err := os.WriteFile(*out, audio, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *out, err)
		}
		fmt.Printf("💾 Wrote %d bytes (%.1fs) to %s\n", len(audio), float64(len(audio))/8000, *out)
	}
	return nil
}

// bench drives turns and observes the synthesis channel.
type bench struct {
	cfg   *config.Config
	llm   inference.Generator
	synth tts.Channel
	codec codec.Codec
	timer *metrics.TurnTimer

	mu    sync.Mutex
	audio []byte
	err   error
}

func newBench(cfg *config.Config, llm inference.Generator, synth tts.Channel) *bench {
	return &bench{
		cfg:   cfg,
		llm:   llm,
		synth: synth,
		codec: codec.New(cfg.Agent.SampleRate),
		timer: metrics.NewTurnTimer(*runs),
	}
}

func (b *bench) OnAudioChunk(pcm []byte) {
	b.timer.MarkAudio()
	ulaw := b.codec.Outbound(pcm)
	b.mu.Lock()
	b.audio = append(b.audio, ulaw...)
	b.mu.Unlock()
}

func (b *bench) OnError(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *bench) lastAudio() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audio
}

func (b *bench) turn(ctx context.Context, text string) (metrics.Latency, string, error) {
	b.mu.Lock()
	b.audio, b.err = nil, nil
	b.mu.Unlock()

	b.timer.MarkTranscript()
	stream, err := b.llm.Stream(ctx, &inference.ChatRequest{
		Messages: []inference.Message{
			inference.NewSystemMessage(b.cfg.Agent.SystemPrompt),
			inference.NewUserMessage(text),
		},
		Model:       b.cfg.LLM.Model,
		Temperature: b.cfg.LLM.Temperature,
		MaxTokens:   b.cfg.LLM.MaxTokens,
	})
	if err != nil {
		return metrics.Latency{}, "", err
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			return metrics.Latency{}, "", err
		}
		if chunk.Delta != "" {
			b.timer.MarkToken()
			reply.WriteString(chunk.Delta)
			if err := b.synth.StreamText(chunk.Delta); err != nil {
				return metrics.Latency{}, "", err
			}
		}
		if chunk.Done {
			break
		}
	}

	if err := b.synth.Flush(ctx); err != nil {
		return metrics.Latency{}, "", err
	}

	b.mu.Lock()
	err = b.err
	b.mu.Unlock()
	if err != nil {
		return metrics.Latency{}, "", err
	}
	return b.timer.MarkDone(), reply.String(), nil
}
