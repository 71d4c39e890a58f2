package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/teslashibe/go-phoneagent/pkg/inference"
	"github.com/teslashibe/go-phoneagent/pkg/metrics"
)

// beginTurnLocked enters Generating and launches the turn task over a
// snapshot of the history. Callers hold s.mu and have checked that no turn
// is running and the session is open.
func (s *CallSession) beginTurnLocked() {
	ctx, cancel := context.WithCancel(s.ctx)
	s.state = StateGenerating
	s.speaking = true
	s.interrupted = false
	s.turnErr = nil
	s.turnCancel = cancel
	msgs := s.history.Messages()

	s.timer.MarkTranscript()
	s.wg.Add(1)
	go s.runTurn(ctx, msgs)
}

// interruptLocked marks the current turn interrupted and wakes the turn
// task. err is nil for a barge-in and the failure otherwise.
func (s *CallSession) interruptLocked(err error) {
	s.interrupted = true
	if err != nil && s.turnErr == nil {
		s.turnErr = err
	}
	if s.turnCancel != nil {
		s.turnCancel()
	}
}

// abortTurn ends the running turn as if interrupted. The session stays
// usable.
func (s *CallSession) abortTurn(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.speaking || s.interrupted {
		return
	}
	s.interruptLocked(err)
}

func (s *CallSession) isInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

func (s *CallSession) runTurn(ctx context.Context, msgs []inference.Message) {
	defer s.wg.Done()
	reply, err := s.generate(ctx, msgs)
	s.finishTurn(reply, err)
}

// errInterrupted ends generate without a reply.
var errInterrupted = errors.New("turn interrupted")

// generate streams tokens into synthesis and waits for the audio to drain.
// It returns the full reply, or an error if the turn did not complete.
func (s *CallSession) generate(ctx context.Context, msgs []inference.Message) (string, error) {
	stream, err := s.llm.Stream(ctx, &inference.ChatRequest{
		Messages:    msgs,
		Model:       s.config.Model,
		Temperature: s.config.Temperature,
		MaxTokens:   s.config.MaxTokens,
	})
	if err != nil {
		if s.isInterrupted() {
			return "", errInterrupted
		}
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		chunk, err := stream.Recv()
		if s.isInterrupted() {
			return "", errInterrupted
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrGeneration, err)
		}
		if chunk.Delta != "" {
			s.timer.MarkToken()
			reply.WriteString(chunk.Delta)
			if err := s.tts.StreamText(chunk.Delta); err != nil {
				return "", fmt.Errorf("%w: %w", ErrChannelConnection, err)
			}
		}
		if chunk.Done {
			break
		}
	}
	stream.Close()

	// Keep speaking until the audio has been delivered; a barge-in cancels
	// ctx and so the wait.
	if err := s.tts.Flush(ctx); err != nil {
		if s.isInterrupted() {
			return "", errInterrupted
		}
		return "", fmt.Errorf("%w: %w", ErrChannelConnection, err)
	}
	if s.isInterrupted() {
		return "", errInterrupted
	}
	if err := s.sender.Mark(s.replyMark()); err != nil {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		s.fail(err)
		return "", err
	}
	return reply.String(), nil
}

// replyMark names the playback mark sent after a reply's last frame.
func (s *CallSession) replyMark() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("reply-%d", s.completed+1)
}

// finishTurn applies the turn's outcome, returns to Idle and starts a
// deferred reply if the caller spoke during the turn.
func (s *CallSession) finishTurn(reply string, err error) {
	latency := s.timer.MarkDone()

	if err != nil && !s.Closed() {
		// Drop undelivered audio from this turn before anything else is
		// sent to the caller.
		if rerr := s.tts.Reset(); rerr != nil {
			s.logger.Warn("tts reset failed", "error", rerr)
		}
		if cerr := s.sender.Clear(); cerr != nil {
			s.fail(fmt.Errorf("%w: %w", ErrTransport, cerr))
		}
	}

	s.mu.Lock()
	if err == nil && s.interrupted {
		// Barge-in after the drain; the audio is already out.
		err = errInterrupted
	}
	if err != nil && s.turnErr != nil {
		err = s.turnErr
	}

	outcome := metrics.OutcomeCompleted
	switch {
	case err == nil:
		s.history.Append(inference.RoleAssistant, reply)
		s.state = StateCompleted
		s.completed++
	case errors.Is(err, errInterrupted):
		s.state = StateInterrupted
		s.aborted++
		outcome = metrics.OutcomeInterrupted
	default:
		s.state = StateInterrupted
		s.failed++
		outcome = metrics.OutcomeFailed
	}
	s.speaking = false
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	closed := s.closed
	next := s.pendingReply && !closed
	s.pendingReply = false
	if next {
		s.beginTurnLocked()
	}
	s.mu.Unlock()

	s.metrics.TurnEnded(outcome)

	switch outcome {
	case metrics.OutcomeCompleted:
		s.metrics.ObserveLatency(latency)
		s.logger.Info("turn completed", "reply", reply, "latency", latency.String())
		s.publish(ActivityReply, reply)
	case metrics.OutcomeInterrupted:
		s.logger.Info("turn interrupted", "tokens", latency.Tokens)
	default:
		if !closed {
			s.logger.Warn("turn failed", "error", err)
			s.publish(ActivityTurnFailed, err.Error())
		}
	}
	if next {
		s.logger.Debug("starting deferred reply")
	}
}
