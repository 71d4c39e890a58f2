// Package session orchestrates one phone call: caller audio goes to speech
// recognition, final transcripts start an assistant turn that streams
// generated text into speech synthesis, and synthesized audio goes back to
// the caller. Caller speech during a turn interrupts it (barge-in).
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-phoneagent/pkg/codec"
	"github.com/teslashibe/go-phoneagent/pkg/inference"
	"github.com/teslashibe/go-phoneagent/pkg/metrics"
	"github.com/teslashibe/go-phoneagent/pkg/stt"
	"github.com/teslashibe/go-phoneagent/pkg/tts"
)

// Sender writes to the call's media leg.
type Sender interface {
	// SendMedia transmits one µ-law frame.
	SendMedia(payload []byte) error
	// Clear drops audio buffered by the telephony side but not yet played.
	Clear() error
	// Mark asks the telephony side to report name once the audio sent
	// before it has played.
	Mark(name string) error
	// Close ends the stream. The session calls it once, when it ends.
	Close() error
}

// Monitor receives activity for live dashboards.
type Monitor interface {
	BroadcastJSON(v interface{}) error
}

// Channels are the providers a session owns.
type Channels struct {
	STT stt.Channel
	TTS tts.Channel
	LLM inference.Generator
}

// Activity is published to the Monitor.
type Activity struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text,omitempty"`
	Time      time.Time `json:"time"`
}

// Activity types.
const (
	ActivityStarted    = "session_started"
	ActivityPartial    = "partial_transcript"
	ActivityFinal      = "final_transcript"
	ActivityReply      = "assistant_reply"
	ActivityBargeIn    = "barge_in"
	ActivityTurnFailed = "turn_failed"
	ActivityEnded      = "session_ended"
)

// Info is a point-in-time view of a session.
type Info struct {
	ID               string    `json:"id"`
	CallID           string    `json:"call_id,omitempty"`
	StreamID         string    `json:"stream_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	State            string    `json:"state"`
	Speaking         bool      `json:"speaking"`
	HistoryLen       int       `json:"history_len"`
	TurnsCompleted   int       `json:"turns_completed"`
	TurnsInterrupted int       `json:"turns_interrupted"`
	TurnsFailed      int       `json:"turns_failed"`
	AvgFirstAudioMs  int64     `json:"avg_first_audio_ms"`
}

// CallSession is the per-call orchestrator and the only writer of the
// call's speaking and interrupted flags and its history.
type CallSession struct {
	id      string
	config  *Config
	sender  Sender
	stt     stt.Channel
	tts     tts.Channel
	llm     inference.Generator
	codec   codec.Codec
	logger  *slog.Logger
	metrics *metrics.Metrics
	timer   *metrics.TurnTimer

	// onFatal is called once, asynchronously, when the session cannot
	// continue.
	onFatal func(err error)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	fatalOnce sync.Once

	mu           sync.Mutex
	history      History
	state        TurnState
	speaking     bool
	interrupted  bool
	turnErr      error
	turnCancel   context.CancelFunc
	pendingReply bool
	closed       bool
	started      bool
	callID       string
	streamID     string
	startedAt    time.Time
	completed    int
	aborted      int
	failed       int
}

// New creates a session. Call Start to connect its channels.
func New(id string, sender Sender, ch Channels, opts ...Option) *CallSession {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &CallSession{
		id:        id,
		config:    cfg,
		sender:    sender,
		stt:       ch.STT,
		tts:       ch.TTS,
		llm:       ch.LLM,
		codec:     codec.New(cfg.SampleRate),
		logger:    cfg.Logger.With("component", "session", "session_id", id),
		metrics:   cfg.Metrics,
		timer:     metrics.NewTurnTimer(50),
		history:   NewHistory(cfg.SystemPrompt),
		startedAt: time.Now(),
	}
}

// OnFatal sets the callback run when the session must be torn down, for
// example after a transport send failure. It runs on its own goroutine.
func (s *CallSession) OnFatal(fn func(err error)) {
	s.mu.Lock()
	s.onFatal = fn
	s.mu.Unlock()
}

// Start connects the speech channels. ctx bounds the recognition dial; the
// session itself outlives ctx's cancellation and deadline but keeps its
// values.
func (s *CallSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.metrics.SessionStarted()
	s.mu.Unlock()

	if err := s.tts.Start(s.ctx, ttsObserver{s}); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelConnection, err)
	}
	if err := s.stt.Start(ctx, sttObserver{s}); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelConnection, err)
	}

	s.publish(ActivityStarted, "")
	s.logger.Info("session started", "sample_rate", s.config.SampleRate)
	return nil
}

// ID returns the session identifier.
func (s *CallSession) ID() string {
	return s.id
}

// HandleEvent applies a transport event. Terminal events shut the session
// down; the registry also removes it.
func (s *CallSession) HandleEvent(ev Event) {
	switch e := ev.(type) {
	case CallStarted:
		s.mu.Lock()
		s.callID, s.streamID = e.CallID, e.StreamID
		s.mu.Unlock()
		s.logger.Info("call started", "call_id", e.CallID, "stream_id", e.StreamID)
	case AudioFrame:
		s.metrics.AudioFrame(metrics.DirectionIn)
		s.OnInboundAudio(s.codec.Inbound(e.Payload))
	case CallStopped, ConnectionClosed:
		s.Shutdown()
	}
}

// OnInboundAudio forwards caller audio to recognition. If the assistant is
// speaking, the audio interrupts the current turn.
func (s *CallSession) OnInboundAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	bargeIn := s.speaking && !s.interrupted && codec.RMS(pcm) >= s.config.BargeInThreshold
	if bargeIn {
		s.interruptLocked(nil)
	}
	s.mu.Unlock()

	if bargeIn {
		s.logger.Info("barge-in")
		s.metrics.BargeIn()
		s.publish(ActivityBargeIn, "")
	}

	if err := s.stt.SendAudio(pcm); err != nil {
		s.logger.Debug("stt send failed", "error", err)
	}
}

// OnPartialTranscript is diagnostic only.
func (s *CallSession) OnPartialTranscript(text string) {
	s.logger.Debug("partial transcript", "text", text)
	s.publish(ActivityPartial, text)
}

// OnFinalTranscript records the caller's utterance and starts an assistant
// turn. If a turn is already running the reply is deferred until it ends.
func (s *CallSession) OnFinalTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.history.Append(inference.RoleUser, text)
	deferred := s.speaking
	if deferred {
		s.pendingReply = true
	} else {
		s.beginTurnLocked()
	}
	s.mu.Unlock()

	s.logger.Info("final transcript", "text", text, "deferred", deferred)
	s.publish(ActivityFinal, text)
}

// OnAudioChunk sends synthesized audio to the caller unless the current
// turn was interrupted.
func (s *CallSession) OnAudioChunk(pcm []byte) {
	s.mu.Lock()
	drop := s.interrupted || s.closed
	s.mu.Unlock()
	if drop || len(pcm) == 0 {
		return
	}

	payload := s.codec.Outbound(pcm)
	if len(payload) == 0 {
		return
	}
	s.timer.MarkAudio()
	if err := s.sender.SendMedia(payload); err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrTransport, err))
		return
	}
	s.metrics.AudioFrame(metrics.DirectionOut)
}

// Shutdown stops recognition, releases synthesis, waits for the turn task
// and closes the media stream. Idempotent.
func (s *CallSession) Shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pendingReply = false
		started, cancel := s.started, s.cancel
		if s.speaking {
			s.interruptLocked(nil)
		}
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.wg.Wait()

		if err := s.stt.Stop(); err != nil {
			s.logger.Warn("stt stop failed", "error", err)
		}
		if err := s.tts.Close(); err != nil {
			s.logger.Warn("tts close failed", "error", err)
		}
		if err := s.sender.Close(); err != nil {
			s.logger.Debug("media stream close failed", "error", err)
		}

		if started {
			s.metrics.SessionEnded(time.Since(s.startedAt))
		}
		s.publish(ActivityEnded, "")
		s.logger.Info("session ended", "duration", time.Since(s.startedAt).Round(time.Second))
	})
}

// History returns a copy of the conversation.
func (s *CallSession) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Snapshot()
}

// Speaking reports whether an assistant turn is in progress.
func (s *CallSession) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Interrupted reports whether the current or last turn was interrupted.
func (s *CallSession) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// State returns the assistant-turn state.
func (s *CallSession) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether Shutdown has run.
func (s *CallSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Info returns a snapshot for the sessions API.
func (s *CallSession) Info() Info {
	avg := s.timer.Average()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:               s.id,
		CallID:           s.callID,
		StreamID:         s.streamID,
		StartedAt:        s.startedAt,
		State:            s.state.String(),
		Speaking:         s.speaking,
		HistoryLen:       s.history.Len(),
		TurnsCompleted:   s.completed,
		TurnsInterrupted: s.aborted,
		TurnsFailed:      s.failed,
		AvgFirstAudioMs:  avg.FirstAudio.Milliseconds(),
	}
}

// fail tears the session down through onFatal.
func (s *CallSession) fail(err error) {
	s.mu.Lock()
	closed := s.closed
	fn := s.onFatal
	s.mu.Unlock()
	if closed {
		return
	}

	s.fatalOnce.Do(func() {
		s.logger.Error("session failed", "error", err)
		if fn != nil {
			go fn(err)
		} else {
			go s.Shutdown()
		}
	})
}

func (s *CallSession) publish(kind, text string) {
	if s.config.Monitor == nil {
		return
	}
	s.config.Monitor.BroadcastJSON(Activity{
		Type:      kind,
		SessionID: s.id,
		Text:      text,
		Time:      time.Now(),
	})
}

// sttObserver and ttsObserver route channel callbacks to the session.
type sttObserver struct{ s *CallSession }

func (o sttObserver) OnTranscript(t stt.Transcript) {
	if t.Final {
		o.s.OnFinalTranscript(t.Text)
		return
	}
	o.s.OnPartialTranscript(t.Text)
}

func (o sttObserver) OnError(err error) {
	o.s.metrics.ProviderError("stt")
	if errors.Is(err, stt.ErrConnectionLost) {
		o.s.fail(fmt.Errorf("%w: %w", ErrChannelConnection, err))
		return
	}
	o.s.logger.Warn("stt error", "error", err)
	o.s.abortTurn(fmt.Errorf("%w: %w", ErrChannelConnection, err))
}

type ttsObserver struct{ s *CallSession }

func (o ttsObserver) OnAudioChunk(pcm []byte) {
	o.s.OnAudioChunk(pcm)
}

func (o ttsObserver) OnError(err error) {
	o.s.metrics.ProviderError("tts")
	o.s.abortTurn(fmt.Errorf("%w: %w", ErrChannelConnection, err))
}

var (
	_ stt.Observer = sttObserver{}
	_ tts.Observer = ttsObserver{}
)
