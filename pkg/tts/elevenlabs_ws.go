package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-phoneagent/pkg/codec"
)

const providerElevenLabsWS = "elevenlabs-ws"

// ElevenLabsWS implements Channel over the ElevenLabs stream-input
// WebSocket. Each turn gets its own connection, opened on the first text
// and finished by Flush; Reset drops it.
type ElevenLabsWS struct {
	config *Config
	logger *slog.Logger
	dialer websocket.Dialer

	mu      sync.Mutex
	obs     Observer
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  atomic.Bool
	cur     *utterance
	pending string

	// deliverMu is held while a chunk is handed to the observer so Reset
	// can wait out an in-flight delivery.
	deliverMu sync.Mutex
	wg        sync.WaitGroup
	turns     atomic.Int64
}

// utterance is one turn's connection.
type utterance struct {
	id       int64
	conn     *websocket.Conn
	writeMu  sync.Mutex
	done     chan struct{}
	dropped  atomic.Bool
	reported atomic.Bool
}

// NewElevenLabsWS creates a WebSocket synthesis channel.
func NewElevenLabsWS(opts ...Option) (*ElevenLabsWS, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.OutputFormat.IsPCM() {
		return nil, fmt.Errorf("%w for websocket: %s", ErrUnsupportedFormat, cfg.OutputFormat)
	}

	return &ElevenLabsWS{
		config: cfg,
		logger: cfg.Logger.With("component", "tts.elevenlabs_ws"),
		dialer: websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}, nil
}

// Start binds the observer. Connections are opened lazily per turn.
func (e *ElevenLabsWS) Start(ctx context.Context, obs Observer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return e.channelError("start", ErrClosed)
	}
	if e.started {
		return e.channelError("start", ErrAlreadyStarted)
	}
	e.started = true
	e.obs = obs
	e.ctx, e.cancel = context.WithCancel(ctx)
	return nil
}

// StreamText forwards text to the current turn's connection, opening it if
// needed. Text is sent up to the last word boundary; a trailing partial
// word waits for the next call or Flush.
func (e *ElevenLabsWS) StreamText(text string) error {
	if text == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usable("stream"); err != nil {
		return err
	}

	words, rest := splitWords(e.pending + text)
	e.pending = rest
	if words == "" {
		return nil
	}

	u, err := e.utteranceLocked()
	if err != nil {
		return err
	}
	return e.send(u, "stream", map[string]string{"text": words})
}

// Flush sends any held-back text and the end-of-stream marker, then waits
// for the provider to finish the turn's audio.
func (e *ElevenLabsWS) Flush(ctx context.Context) error {
	e.mu.Lock()
	if err := e.usable("flush"); err != nil {
		e.mu.Unlock()
		return err
	}
	pending := e.pending
	e.pending = ""
	u := e.cur
	if u == nil && pending == "" {
		e.mu.Unlock()
		return nil
	}
	if u == nil {
		var err error
		if u, err = e.utteranceLocked(); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	if pending != "" {
		if err := e.send(u, "flush", map[string]string{"text": pending + " "}); err != nil {
			return err
		}
	}
	if err := e.send(u, "flush", map[string]string{"text": ""}); err != nil {
		return err
	}

	select {
	case <-u.done:
	case <-ctx.Done():
		e.Reset()
		return ctx.Err()
	}

	e.mu.Lock()
	if e.cur == u {
		e.cur = nil
	}
	e.mu.Unlock()
	return nil
}

// Reset drops the current turn's connection and any held-back text.
func (e *ElevenLabsWS) Reset() error {
	e.mu.Lock()
	u := e.cur
	e.cur = nil
	e.pending = ""
	e.mu.Unlock()

	if u == nil {
		return nil
	}
	u.dropped.Store(true)
	u.conn.Close()

	// Wait for a chunk already handed to the observer.
	e.deliverMu.Lock()
	e.deliverMu.Unlock()

	e.logger.Debug("turn reset", "turn", u.id)
	return nil
}

// Close drops any open connection and waits for read loops to exit.
func (e *ElevenLabsWS) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.Reset()
	e.wg.Wait()
	return nil
}

func (e *ElevenLabsWS) usable(op string) error {
	if e.closed.Load() {
		return e.channelError(op, ErrClosed)
	}
	if !e.started {
		return e.channelError(op, ErrNotStarted)
	}
	return nil
}

// utteranceLocked returns the current connection, dialing one if needed.
// Callers hold e.mu.
func (e *ElevenLabsWS) utteranceLocked() (*utterance, error) {
	if e.cur != nil {
		return e.cur, nil
	}

	q := url.Values{}
	q.Set("model_id", e.config.ModelID)
	q.Set("output_format", string(e.config.OutputFormat))
	u := fmt.Sprintf("%s/%s/stream-input?%s", e.config.WSBaseURL, url.PathEscape(e.config.VoiceID), q.Encode())

	headers := http.Header{}
	headers.Set("xi-api-key", e.config.APIKey)

	conn, resp, err := e.dialer.DialContext(e.ctx, u, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			err = &APIError{StatusCode: resp.StatusCode, Message: string(body), Provider: providerElevenLabsWS}
		}
		return nil, e.channelError("connect", err)
	}

	utt := &utterance{
		id:   e.turns.Add(1),
		conn: conn,
		done: make(chan struct{}),
	}

	bos := map[string]interface{}{
		"text":           " ",
		"voice_settings": voiceSettingsPayload(e.config.VoiceSettings),
		"generation_config": map[string]interface{}{
			"chunk_length_schedule": e.config.ChunkSchedule,
		},
	}
	if err := e.write(utt, bos); err != nil {
		conn.Close()
		return nil, e.channelError("connect", fmt.Errorf("send BOS: %w", err))
	}

	e.cur = utt
	e.wg.Add(1)
	go e.readLoop(utt)

	e.logger.Debug("turn connection opened", "turn", utt.id, "voice", e.config.VoiceID)
	return utt, nil
}

func (e *ElevenLabsWS) send(u *utterance, op string, msg interface{}) error {
	if err := e.write(u, msg); err != nil {
		if u.dropped.Load() {
			return nil
		}
		u.reported.Store(true)
		return e.channelError(op, err)
	}
	return nil
}

func (e *ElevenLabsWS) write(u *utterance, msg interface{}) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	u.conn.SetWriteDeadline(time.Now().Add(e.config.WriteTimeout))
	return u.conn.WriteJSON(msg)
}

// readLoop delivers the turn's audio until the provider marks it final or
// the connection goes away.
func (e *ElevenLabsWS) readLoop(u *utterance) {
	defer e.wg.Done()
	defer close(u.done)
	defer u.conn.Close()

	srcRate := SampleRateFromEncoding(e.config.OutputFormat)

	for {
		_, data, err := u.conn.ReadMessage()
		if err != nil {
			if !u.dropped.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				e.report(u, e.channelError("read", err))
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			e.logger.Warn("failed to parse response", "error", err)
			continue
		}
		if msg.Error != "" {
			e.report(u, e.channelError("synthesize", errors.New(msg.Error+": "+msg.Message)))
			return
		}

		if msg.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				e.logger.Warn("failed to decode audio", "error", err)
				continue
			}
			e.deliver(u, codec.ResampleBytes(pcm, srcRate, e.config.SampleRate))
		}
		if msg.IsFinal {
			return
		}
	}
}

func (e *ElevenLabsWS) deliver(u *utterance, pcm []byte) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if u.dropped.Load() || len(pcm) == 0 {
		return
	}
	e.obs.OnAudioChunk(pcm)
}

func (e *ElevenLabsWS) report(u *utterance, err error) {
	if u.dropped.Load() || u.reported.Swap(true) {
		return
	}
	e.logger.Warn("synthesis failed", "turn", u.id, "error", err)
	e.obs.OnError(err)
}

func (e *ElevenLabsWS) channelError(op string, err error) error {
	return &ChannelError{Provider: providerElevenLabsWS, Op: op, Err: err}
}

type wsMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

var _ Channel = (*ElevenLabsWS)(nil)
