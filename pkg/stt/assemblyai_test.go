package stt

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recorder struct {
	mu          sync.Mutex
	transcripts []Transcript
	errs        []error
	finalCh     chan string
	errCh       chan error
}

func newRecorder() *recorder {
	return &recorder{finalCh: make(chan string, 10), errCh: make(chan error, 10)}
}

func (r *recorder) OnTranscript(t Transcript) {
	r.mu.Lock()
	r.transcripts = append(r.transcripts, t)
	r.mu.Unlock()
	if t.Final {
		r.finalCh <- t.Text
	}
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.errCh <- err
}

type fakeRealtime struct {
	mu         sync.Mutex
	audioBytes int
	sends      int
	silenceMs  int64
	terminated bool
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (f *fakeRealtime) server(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("sample_rate") != "8000" || r.URL.Query().Get("encoding") != "pcm_s16le" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]string{"message_type": "SessionBegins", "session_id": "s1"})
		if script != nil {
			script(conn)
		}

		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			if v, ok := msg["end_utterance_silence_threshold"]; ok {
				f.silenceMs = int64(v.(float64))
			}
			if v, ok := msg["audio_data"]; ok {
				raw, _ := base64.StdEncoding.DecodeString(v.(string))
				f.audioBytes += len(raw)
				f.sends++
			}
			terminate := msg["terminate_session"] == true
			if terminate {
				f.terminated = true
			}
			f.mu.Unlock()
			if terminate {
				conn.WriteJSON(map[string]string{"message_type": "SessionTerminated"})
				return
			}
		}
	}))
}

func TestAssemblyAITranscripts(t *testing.T) {
	fake := &fakeRealtime{}
	server := fake.server(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]string{"message_type": "PartialTranscript", "text": "bon"})
		conn.WriteJSON(map[string]string{"message_type": "PartialTranscript", "text": ""})
		conn.WriteJSON(map[string]string{"message_type": "FinalTranscript", "text": "Bonjour."})
	})
	defer server.Close()

	ch, err := NewAssemblyAI(WithAPIKey("test-key"), WithURL(wsURL(server)))
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	if err := ch.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case text := <-rec.finalCh:
		if text != "Bonjour." {
			t.Errorf("final = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no final transcript")
	}

	for i := 0; i < 10; i++ {
		ch.SendAudio(make([]byte, 320))
	}
	if err := ch.Stop(); err != nil {
		t.Logf("Stop: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.transcripts) != 2 || rec.transcripts[0].Final || rec.transcripts[0].Text != "bon" {
		t.Errorf("transcripts = %+v", rec.transcripts)
	}
	if len(rec.errs) != 0 {
		t.Errorf("unexpected errors: %v", rec.errs)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.silenceMs != 700 {
		t.Errorf("silence threshold = %d", fake.silenceMs)
	}
	if fake.audioBytes != 3200 {
		t.Errorf("audio bytes = %d, want 3200", fake.audioBytes)
	}
	if fake.sends == 0 || fake.sends > 2 {
		t.Errorf("sends = %d, want audio batched into at most 2 sends", fake.sends)
	}
	if !fake.terminated {
		t.Error("terminate_session not sent")
	}
}

func TestAssemblyAIStartTwice(t *testing.T) {
	fake := &fakeRealtime{}
	server := fake.server(t, nil)
	defer server.Close()

	ch, _ := NewAssemblyAI(WithAPIKey("test-key"), WithURL(wsURL(server)))
	if err := ch.Start(context.Background(), newRecorder()); err != nil {
		t.Fatal(err)
	}
	defer ch.Stop()

	err := ch.Start(context.Background(), newRecorder())
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("err = %v, want ErrAlreadyStarted", err)
	}
	var chErr *ChannelError
	if !errors.As(err, &chErr) || chErr.Op != "start" {
		t.Errorf("expected ChannelError for start, got %v", err)
	}
}

func TestAssemblyAIDialFailure(t *testing.T) {
	fake := &fakeRealtime{}
	server := fake.server(t, nil)
	defer server.Close()

	ch, _ := NewAssemblyAI(WithAPIKey("wrong"), WithURL(wsURL(server)))
	err := ch.Start(context.Background(), newRecorder())
	var chErr *ChannelError
	if !errors.As(err, &chErr) {
		t.Fatalf("expected ChannelError, got %v", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error should carry status: %v", err)
	}
	if err := ch.Stop(); err != nil {
		t.Errorf("Stop after failed start: %v", err)
	}
}

func TestAssemblyAIConnectionLost(t *testing.T) {
	fake := &fakeRealtime{}
	server := fake.server(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // configuration
		conn.Close()
	})
	defer server.Close()

	ch, _ := NewAssemblyAI(WithAPIKey("test-key"), WithURL(wsURL(server)))
	rec := newRecorder()
	if err := ch.Start(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	defer ch.Stop()

	select {
	case err := <-rec.errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("err = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}
}

func TestAssemblyAISendAfterStop(t *testing.T) {
	fake := &fakeRealtime{}
	server := fake.server(t, nil)
	defer server.Close()

	ch, _ := NewAssemblyAI(WithAPIKey("test-key"), WithURL(wsURL(server)))
	if err := ch.Start(context.Background(), newRecorder()); err != nil {
		t.Fatal(err)
	}
	ch.Stop()
	ch.Stop()
	if err := ch.SendAudio(make([]byte, 320)); err != nil {
		t.Errorf("SendAudio after Stop = %v, want nil", err)
	}
}

func TestAssemblyAIQueueOverflow(t *testing.T) {
	ch, _ := NewAssemblyAI(WithAPIKey("k"), WithQueueSize(2))
	// Pretend started without a connection so nothing drains the queue.
	ch.started.Store(true)
	for i := 0; i < 5; i++ {
		if err := ch.SendAudio([]byte{1, 2}); err != nil {
			t.Fatal(err)
		}
	}
	if got := ch.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestNewAssemblyAIRequiresKey(t *testing.T) {
	if _, err := NewAssemblyAI(); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("err = %v", err)
	}
}

func TestMinChunkBytes(t *testing.T) {
	c := DefaultConfig()
	if got := c.minChunkBytes(); got != 1600 {
		t.Errorf("minChunkBytes = %d, want 1600", got)
	}
}
