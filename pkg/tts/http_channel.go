package tts

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// HTTPChannel implements Channel on top of a per-request Provider. Text is
// cut into sentences, each synthesized in order by a single worker. Audio
// is decoded in process (MP3 or PCM) and resampled to the configured rate.
type HTTPChannel struct {
	provider Provider
	config   *Config
	logger   *slog.Logger

	mu       sync.Mutex
	obs      Observer
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	pending  strings.Builder
	epoch    uint64
	failed   uint64 // epoch+1 of the last turn that reported an error
	inflight context.CancelFunc

	deliverMu sync.Mutex
	queue     chan segment
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// segment is a unit of work for the synthesis worker. A segment with a
// barrier carries no text and is closed once everything before it is done.
type segment struct {
	text    string
	epoch   uint64
	barrier chan struct{}
}

// NewHTTPChannel wraps provider in a Channel. Only SampleRate,
// MaxSegmentChars, QueueSize and Logger are read from opts.
func NewHTTPChannel(provider Provider, opts ...Option) *HTTPChannel {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &HTTPChannel{
		provider: provider,
		config:   cfg,
		logger:   cfg.Logger.With("component", "tts.http_channel"),
		queue:    make(chan segment, cfg.QueueSize),
	}
}

// Start binds the observer and starts the synthesis worker.
func (h *HTTPChannel) Start(ctx context.Context, obs Observer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return h.channelError("start", ErrClosed)
	}
	if h.started {
		return h.channelError("start", ErrAlreadyStarted)
	}
	h.started = true
	h.obs = obs
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.worker()
	return nil
}

// StreamText buffers text and queues every completed sentence. It blocks
// when the queue is full.
func (h *HTTPChannel) StreamText(text string) error {
	if text == "" {
		return nil
	}
	h.mu.Lock()
	if err := h.usable("stream"); err != nil {
		h.mu.Unlock()
		return err
	}
	h.pending.WriteString(text)
	sentences, rest := splitSentences(h.pending.String(), h.config.MaxSegmentChars)
	h.pending.Reset()
	h.pending.WriteString(rest)
	epoch := h.epoch
	h.mu.Unlock()

	for _, s := range sentences {
		if err := h.enqueue(segment{text: s, epoch: epoch}); err != nil {
			return err
		}
	}
	return nil
}

// Flush queues the remaining text and waits until all queued segments of
// this turn have been synthesized and delivered.
func (h *HTTPChannel) Flush(ctx context.Context) error {
	h.mu.Lock()
	if err := h.usable("flush"); err != nil {
		h.mu.Unlock()
		return err
	}
	rest := strings.TrimSpace(h.pending.String())
	h.pending.Reset()
	epoch := h.epoch
	h.mu.Unlock()

	if rest != "" {
		if err := h.enqueue(segment{text: rest, epoch: epoch}); err != nil {
			return err
		}
	}

	barrier := make(chan struct{})
	if err := h.enqueue(segment{epoch: epoch, barrier: barrier}); err != nil {
		return err
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		h.Reset()
		return ctx.Err()
	}
}

// Reset abandons queued and in-flight synthesis for the current turn.
func (h *HTTPChannel) Reset() error {
	h.mu.Lock()
	h.epoch++
	h.pending.Reset()
	cancel := h.inflight
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.deliverMu.Lock()
	h.deliverMu.Unlock()
	return nil
}

// Close stops the worker and closes the provider.
func (h *HTTPChannel) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.Reset()
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
	return h.provider.Close()
}

func (h *HTTPChannel) usable(op string) error {
	if h.closed.Load() {
		return h.channelError(op, ErrClosed)
	}
	if !h.started {
		return h.channelError(op, ErrNotStarted)
	}
	return nil
}

func (h *HTTPChannel) enqueue(s segment) error {
	select {
	case h.queue <- s:
		return nil
	case <-h.ctx.Done():
		return h.channelError("stream", ErrClosed)
	}
}

func (h *HTTPChannel) current(epoch uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.epoch == epoch && h.failed != epoch+1
}

func (h *HTTPChannel) worker() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case s := <-h.queue:
			if s.barrier != nil {
				close(s.barrier)
				continue
			}
			if !h.current(s.epoch) {
				continue
			}
			h.synthesize(s)
		}
	}
}

func (h *HTTPChannel) synthesize(s segment) {
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	h.mu.Lock()
	if h.epoch != s.epoch {
		h.mu.Unlock()
		return
	}
	h.inflight = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.inflight = nil
		h.mu.Unlock()
	}()

	stream, err := h.provider.Stream(ctx, s.text)
	if err != nil {
		h.fail(s.epoch, err)
		return
	}
	defer stream.Close()

	err = decodeStream(stream, h.config.SampleRate, func(pcm []byte) bool {
		h.deliverMu.Lock()
		defer h.deliverMu.Unlock()
		if !h.current(s.epoch) {
			return false
		}
		h.obs.OnAudioChunk(pcm)
		return true
	})
	if err != nil {
		h.fail(s.epoch, err)
	}
}

// fail reports err once per epoch unless the epoch was already abandoned.
func (h *HTTPChannel) fail(epoch uint64, err error) {
	h.mu.Lock()
	if h.epoch != epoch || h.failed == epoch+1 {
		h.mu.Unlock()
		return
	}
	h.failed = epoch + 1
	h.mu.Unlock()

	h.logger.Warn("synthesis failed", "error", err)
	h.obs.OnError(h.channelError("synthesize", err))
}

func (h *HTTPChannel) channelError(op string, err error) error {
	return &ChannelError{Provider: "elevenlabs-http", Op: op, Err: err}
}

var _ Channel = (*HTTPChannel)(nil)
