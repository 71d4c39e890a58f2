package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-phoneagent/pkg/codec"
	"github.com/teslashibe/go-phoneagent/pkg/inference"
	"github.com/teslashibe/go-phoneagent/pkg/stt"
	"github.com/teslashibe/go-phoneagent/pkg/tts"
)

// mockFactory hands out mock channels and remembers them by session id.
type mockFactory struct {
	mu   sync.Mutex
	stt  map[string]*stt.Mock
	tts  map[string]*tts.MockChannel
	llm  *inference.Mock
	fail error
}

func newMockFactory(tokens ...string) *mockFactory {
	return &mockFactory{
		stt: make(map[string]*stt.Mock),
		tts: make(map[string]*tts.MockChannel),
		llm: inference.NewMock(tokens...),
	}
}

func (f *mockFactory) build(ctx context.Context, id string) (Channels, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return Channels{}, f.fail
	}
	f.stt[id] = stt.NewMock()
	f.tts[id] = tts.NewMockChannel()
	return Channels{STT: f.stt[id], TTS: f.tts[id], LLM: f.llm}, nil
}

func (f *mockFactory) sttFor(id string) *stt.Mock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stt[id]
}

func (f *mockFactory) ttsFor(id string) *tts.MockChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tts[id]
}

func newTestRegistry(f *mockFactory) *Registry {
	return NewRegistry(f.build, WithLogger(quietLogger))
}

func TestRegistryCreateDispatch(t *testing.T) {
	f := newMockFactory("Oui")
	r := newTestRegistry(f)
	defer r.Close(context.Background())

	id, err := r.Create(context.Background(), &fakeSender{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Count() != 1 || r.Get(id) == nil {
		t.Fatalf("session not registered")
	}

	r.Dispatch(id, CallStarted{CallID: "CA1", StreamID: "MZ1"})
	r.Dispatch(id, AudioFrame{Payload: codec.EncodeOutbound(loudFrame())})

	if got := r.Get(id).Info().StreamID; got != "MZ1" {
		t.Errorf("stream id = %q", got)
	}
	if n := len(f.sttFor(id).Audio()); n != 1 {
		t.Errorf("stt audio chunks = %d, want 1", n)
	}
}

func TestRegistryTerminalEvents(t *testing.T) {
	for _, ev := range []Event{CallStopped{}, ConnectionClosed{}} {
		f := newMockFactory()
		r := newTestRegistry(f)
		id, _ := r.Create(context.Background(), &fakeSender{})

		r.Dispatch(id, ev)

		if r.Count() != 0 {
			t.Errorf("%T: session not removed", ev)
		}
		if !f.sttFor(id).Stopped() || f.ttsFor(id).Closes() != 1 {
			t.Errorf("%T: channels not released", ev)
		}
	}
}

func TestRegistryUnknownID(t *testing.T) {
	r := newTestRegistry(newMockFactory())
	r.Dispatch("missing", AudioFrame{Payload: []byte{0xff}})
	r.Dispatch("missing", CallStopped{})
	r.Destroy("missing")
	if r.Get("missing") != nil {
		t.Error("unexpected session")
	}
}

func TestRegistrySessionsIsolated(t *testing.T) {
	f := newMockFactory("Bien", " sûr")
	r := newTestRegistry(f)
	defer r.Close(context.Background())

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.Create(context.Background(), &fakeSender{})
			if err != nil {
				t.Error(err)
			}
			ids[i] = id
		}()
	}
	wg.Wait()
	if ids[0] == ids[1] {
		t.Fatal("duplicate session id")
	}

	a, b := r.Get(ids[0]), r.Get(ids[1])
	a.OnFinalTranscript("Première session")
	waitFor(t, "turn", func() bool { return !a.Speaking() })

	if got := len(b.History()); got != 1 {
		t.Errorf("second session saw first session's history (%d turns)", got)
	}
	if got := len(a.History()); got != 3 {
		t.Errorf("first session history = %d turns", got)
	}

	// Destroying one session while dispatching to the other.
	var dwg sync.WaitGroup
	dwg.Add(2)
	go func() {
		defer dwg.Done()
		r.Destroy(ids[0])
	}()
	go func() {
		defer dwg.Done()
		for i := 0; i < 20; i++ {
			r.Dispatch(ids[0], AudioFrame{Payload: []byte{0xff}})
			r.Dispatch(ids[1], AudioFrame{Payload: []byte{0xff}})
		}
	}()
	dwg.Wait()

	if r.Get(ids[0]) != nil || r.Count() != 1 {
		t.Errorf("count = %d after destroy", r.Count())
	}
	if n := len(f.sttFor(ids[1]).Audio()); n != 20 {
		t.Errorf("live session got %d frames, want 20", n)
	}
	if b.Closed() {
		t.Error("live session was closed")
	}
}

func TestRegistryFactoryError(t *testing.T) {
	f := newMockFactory()
	f.fail = errors.New("no credentials")
	r := newTestRegistry(f)

	_, err := r.Create(context.Background(), &fakeSender{})
	if !errors.Is(err, ErrChannelConnection) {
		t.Errorf("err = %v, want ErrChannelConnection", err)
	}
	if r.Count() != 0 {
		t.Error("failed session registered")
	}
}

func TestRegistryTransportFailureDestroys(t *testing.T) {
	f := newMockFactory()
	r := newTestRegistry(f)
	sender := &fakeSender{err: errors.New("socket closed")}
	id, _ := r.Create(context.Background(), sender)

	f.ttsFor(id).EmitAudio(loudFrame())

	waitFor(t, "destroy", func() bool { return r.Count() == 0 })
	waitFor(t, "stt stop", f.sttFor(id).Stopped)
}

// droppingSTT loses its connection while still starting.
type droppingSTT struct {
	*stt.Mock
}

func (d droppingSTT) Start(ctx context.Context, obs stt.Observer) error {
	if err := d.Mock.Start(ctx, obs); err != nil {
		return err
	}
	obs.OnError(&stt.ChannelError{Provider: "mock", Op: "read", Err: stt.ErrConnectionLost})
	time.Sleep(50 * time.Millisecond)
	return nil
}

func TestRegistryFailureDuringStartDestroys(t *testing.T) {
	recog := stt.NewMock()
	synth := tts.NewMockChannel()
	build := func(ctx context.Context, id string) (Channels, error) {
		return Channels{STT: droppingSTT{recog}, TTS: synth, LLM: inference.NewMock("ok")}, nil
	}
	r := NewRegistry(build, WithLogger(quietLogger))

	id, err := r.Create(context.Background(), &fakeSender{})
	if err != nil && !errors.Is(err, ErrClosed) {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, "destroy", func() bool { return r.Count() == 0 })
	waitFor(t, "stt stop", recog.Stopped)
	waitFor(t, "tts close", func() bool { return synth.Closes() > 0 })
	if err == nil && r.Get(id) != nil {
		t.Error("failed session still registered")
	}
}

func TestRegistryClose(t *testing.T) {
	f := newMockFactory()
	r := newTestRegistry(f)
	for i := 0; i < 3; i++ {
		if _, err := r.Create(context.Background(), &fakeSender{}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if r.Count() != 0 {
		t.Errorf("count = %d after close", r.Count())
	}
	if _, err := r.Create(context.Background(), &fakeSender{}); !errors.Is(err, ErrClosed) {
		t.Errorf("create after close = %v", err)
	}
}

func TestRegistryInfos(t *testing.T) {
	r := newTestRegistry(newMockFactory())
	defer r.Close(context.Background())

	first, _ := r.Create(context.Background(), &fakeSender{})
	time.Sleep(2 * time.Millisecond)
	second, _ := r.Create(context.Background(), &fakeSender{})

	infos := r.Infos()
	if len(infos) != 2 || infos[0].ID != first || infos[1].ID != second {
		t.Errorf("infos = %+v", infos)
	}
	if infos[0].HistoryLen != 1 || infos[0].State != "idle" {
		t.Errorf("fresh session info = %+v", infos[0])
	}
}
