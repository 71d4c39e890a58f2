package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	chunks [][]byte
	errs   []error
	audio  chan struct{}
	errCh  chan error
}

func newRecorder() *recorder {
	return &recorder{audio: make(chan struct{}, 64), errCh: make(chan error, 8)}
}

func (r *recorder) OnAudioChunk(pcm []byte) {
	r.mu.Lock()
	r.chunks = append(r.chunks, pcm)
	r.mu.Unlock()
	select {
	case r.audio <- struct{}{}:
	default:
	}
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.errCh <- err
}

func (r *recorder) bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.chunks {
		n += len(c)
	}
	return n
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr error
	}{
		{"ok", []Option{WithAPIKey("k")}, nil},
		{"no key", nil, ErrNoAPIKey},
		{"no voice", []Option{WithAPIKey("k"), WithVoice("")}, ErrNoVoiceID},
		{"bad format", []Option{WithAPIKey("k"), WithOutputFormat("ulaw_8000")}, ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Apply(tt.opts...)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveElevenLabsVoice(t *testing.T) {
	if got := ResolveElevenLabsVoice("rachel"); got != "21m00Tcm4TlvDq8ikWAM" {
		t.Errorf("rachel = %s", got)
	}
	if got := ResolveElevenLabsVoice("abc123"); got != "abc123" {
		t.Errorf("raw id = %s", got)
	}
}

func TestEncodingHelpers(t *testing.T) {
	if !EncodingMP3.IsMP3() || EncodingMP3.IsPCM() {
		t.Error("mp3 misclassified")
	}
	if !EncodingPCM8.IsPCM() || EncodingPCM8.IsMP3() {
		t.Error("pcm misclassified")
	}
	if SampleRateFromEncoding(EncodingMP322) != 22050 {
		t.Error("mp3_22050_32 rate")
	}
	if SampleRateFromEncoding("opus") != 0 {
		t.Error("unknown rate")
	}
}

func TestElevenLabsStream(t *testing.T) {
	audio := make([]byte, 1000)
	for i := range audio {
		audio[i] = byte(i)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/text-to-speech/voice123/stream" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "pcm_8000" {
			t.Errorf("output_format = %s", got)
		}
		if r.Header.Get("xi-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["text"] != "Bonjour" || body["model_id"] != ModelTurboV2_5 {
			t.Errorf("body = %v", body)
		}
		settings, _ := body["voice_settings"].(map[string]interface{})
		if settings["stability"] != 0.3 || settings["similarity_boost"] != 0.75 {
			t.Errorf("voice_settings = %v", settings)
		}
		w.Write(audio)
	}))
	defer srv.Close()

	p, err := NewElevenLabs(WithAPIKey("test-key"), WithBaseURL(srv.URL), WithVoice("voice123"))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	stream, err := p.Stream(context.Background(), "Bonjour")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if f := stream.Format(); f.Encoding != EncodingPCM8 || f.SampleRate != 8000 {
		t.Errorf("format = %+v", f)
	}

	var got []byte
	for {
		chunk, err := stream.Read()
		if err != nil {
			t.Fatal(err)
		}
		if chunk == nil {
			break
		}
		got = append(got, chunk...)
	}
	if len(got) != len(audio) {
		t.Errorf("read %d bytes, want %d", len(got), len(audio))
	}
}

func TestElevenLabsAPIError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`))
	}))
	defer srv.Close()

	p, _ := NewElevenLabs(WithAPIKey("bad"), WithBaseURL(srv.URL), WithRetry(2, time.Millisecond))
	_, err := p.Stream(context.Background(), "x")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if !apiErr.IsUnauthorized() || apiErr.Code != "invalid_api_key" || apiErr.Message != "Invalid API key" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, 401 must not be retried", calls)
	}
}

func TestElevenLabsRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			t.Error("retried request has empty body")
		}
		w.Write(make([]byte, 320))
	}))
	defer srv.Close()

	p, _ := NewElevenLabs(WithAPIKey("k"), WithBaseURL(srv.URL), WithRetry(1, time.Millisecond))
	stream, err := p.Stream(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	stream.Close()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestElevenLabsHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("xi-api-key") == "good" {
			w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	good, _ := NewElevenLabs(WithAPIKey("good"), WithBaseURL(srv.URL))
	if err := good.Health(context.Background()); err != nil {
		t.Errorf("healthy provider: %v", err)
	}
	bad, _ := NewElevenLabs(WithAPIKey("bad"), WithBaseURL(srv.URL))
	if err := bad.Health(context.Background()); err == nil {
		t.Error("expected unauthorized error")
	}
}
