package stt

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
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const providerAssemblyAI = "assemblyai"

// AssemblyAI is a Channel backed by the AssemblyAI realtime WebSocket API.
type AssemblyAI struct {
	config *Config
	logger *slog.Logger
	dialer websocket.Dialer

	started atomic.Bool
	stopped atomic.Bool
	dropped atomic.Int64

	conn     *websocket.Conn
	writeMu  sync.Mutex
	obs      Observer
	sendCh   chan []byte
	quit     chan struct{}
	readDone chan struct{}
	fatal    sync.Once
	wg       sync.WaitGroup
}

// NewAssemblyAI creates an unstarted AssemblyAI channel.
func NewAssemblyAI(opts ...Option) (*AssemblyAI, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AssemblyAI{
		config:   cfg,
		logger:   cfg.Logger.With("component", "stt.assemblyai"),
		dialer:   websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		sendCh:   make(chan []byte, cfg.QueueSize),
		quit:     make(chan struct{}),
		readDone: make(chan struct{}),
	}, nil
}

// Start dials the realtime endpoint and starts the read and write loops.
func (a *AssemblyAI) Start(ctx context.Context, obs Observer) error {
	if !a.started.CompareAndSwap(false, true) {
		return a.channelError("start", ErrAlreadyStarted)
	}

	u, err := url.Parse(a.config.URL)
	if err != nil {
		return a.channelError("start", fmt.Errorf("parse url: %w", err))
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(a.config.SampleRate))
	q.Set("encoding", "pcm_s16le")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", a.config.APIKey)

	conn, resp, err := a.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			err = fmt.Errorf("connect (status %d): %s: %w", resp.StatusCode, body, err)
		}
		return a.channelError("start", err)
	}
	a.conn = conn
	a.obs = obs

	if a.config.EndUtteranceSilence > 0 {
		cfgMsg := map[string]int64{
			"end_utterance_silence_threshold": a.config.EndUtteranceSilence.Milliseconds(),
		}
		if err := a.writeJSON(cfgMsg); err != nil {
			conn.Close()
			return a.channelError("configure", err)
		}
	}

	a.wg.Add(2)
	go a.readLoop()
	go a.writeLoop()

	a.logger.Info("transcription stream started", "sample_rate", a.config.SampleRate)
	return nil
}

// SendAudio queues audio for the write loop. When the queue is full the
// chunk is dropped rather than blocking the caller.
func (a *AssemblyAI) SendAudio(pcm []byte) error {
	if a.stopped.Load() || len(pcm) == 0 {
		return nil
	}
	if !a.started.Load() {
		return a.channelError("send", ErrNotStarted)
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)

	select {
	case a.sendCh <- buf:
	default:
		if n := a.dropped.Add(1); n == 1 || n%50 == 0 {
			a.logger.Warn("send queue full, dropping audio", "dropped", n)
		}
	}
	return nil
}

// Stop flushes pending audio, asks the service to terminate the session and
// closes the connection.
func (a *AssemblyAI) Stop() error {
	if a.stopped.Swap(true) {
		return nil
	}
	if a.conn == nil {
		return nil
	}

	close(a.quit)

	select {
	case <-a.readDone:
	case <-time.After(a.config.StopTimeout):
		a.logger.Debug("no termination ack, closing")
	}

	a.writeMu.Lock()
	err := a.conn.Close()
	a.writeMu.Unlock()

	a.wg.Wait()
	a.logger.Info("transcription stream stopped")
	return err
}

// Dropped returns how many chunks were discarded because the queue was full.
func (a *AssemblyAI) Dropped() int64 {
	return a.dropped.Load()
}

func (a *AssemblyAI) readLoop() {
	defer a.wg.Done()
	defer close(a.readDone)

	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			if !a.stopped.Load() {
				a.reportFatal("read", err)
			}
			return
		}

		var msg realtimeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Debug("ignoring malformed message", "error", err)
			continue
		}

		if msg.Error != "" {
			a.obs.OnError(a.channelError("transcribe", errors.New(msg.Error)))
			continue
		}

		switch msg.MessageType {
		case "SessionBegins":
			a.logger.Debug("session begins", "session_id", msg.SessionID)
		case "PartialTranscript":
			if msg.Text != "" {
				a.obs.OnTranscript(Transcript{Text: msg.Text})
			}
		case "FinalTranscript":
			a.obs.OnTranscript(Transcript{Text: msg.Text, Final: true})
		case "SessionTerminated":
			if !a.stopped.Load() {
				a.reportFatal("read", errors.New("session terminated by server"))
			}
			return
		}
	}
}

// writeLoop batches queued audio into sends of at least MinChunk.
func (a *AssemblyAI) writeLoop() {
	defer a.wg.Done()

	minBytes := a.config.minChunkBytes()
	pending := make([]byte, 0, minBytes*2)

	flush := func() bool {
		if len(pending) == 0 {
			return true
		}
		msg := audioMessage{AudioData: base64.StdEncoding.EncodeToString(pending)}
		pending = pending[:0]
		if err := a.writeJSON(msg); err != nil {
			if !a.stopped.Load() {
				a.reportFatal("write", err)
			}
			return false
		}
		return true
	}

	for {
		select {
		case chunk := <-a.sendCh:
			pending = append(pending, chunk...)
			if len(pending) >= minBytes && !flush() {
				return
			}
		case <-a.quit:
		drain:
			for {
				select {
				case chunk := <-a.sendCh:
					pending = append(pending, chunk...)
				default:
					break drain
				}
			}
			if flush() {
				if err := a.writeJSON(map[string]bool{"terminate_session": true}); err != nil {
					a.logger.Debug("terminate failed", "error", err)
				}
			}
			return
		}
	}
}

func (a *AssemblyAI) writeJSON(v interface{}) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(a.config.WriteTimeout))
	return a.conn.WriteJSON(v)
}

func (a *AssemblyAI) reportFatal(op string, err error) {
	a.fatal.Do(func() {
		a.logger.Warn("transcription connection lost", "op", op, "error", err)
		a.obs.OnError(a.channelError(op, fmt.Errorf("%w: %v", ErrConnectionLost, err)))
	})
}

func (a *AssemblyAI) channelError(op string, err error) error {
	return &ChannelError{Provider: providerAssemblyAI, Op: op, Err: err}
}

type realtimeMessage struct {
	MessageType string `json:"message_type"`
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	Error       string `json:"error"`
}

type audioMessage struct {
	AudioData string `json:"audio_data"`
}

var _ Channel = (*AssemblyAI)(nil)
