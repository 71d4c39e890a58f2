package inference

import (
	"context"
	"errors"
	"testing"
)

func TestChainFallback(t *testing.T) {
	failing := WithError(errors.New("provider 1 failed"))
	working := NewMock("Bonjour")

	chain, err := NewChain(failing, working)
	if err != nil {
		t.Fatalf("Failed to create chain: %v", err)
	}
	defer chain.Close()

	stream, err := chain.Stream(context.Background(), &ChatRequest{
		Messages: []Message{NewUserMessage("test")},
	})
	if err != nil {
		t.Fatalf("Chain stream failed: %v", err)
	}
	chunk, _ := stream.Recv()
	if chunk.Delta != "Bonjour" {
		t.Errorf("Unexpected delta: %q", chunk.Delta)
	}
	if failing.CallCount("Stream") != 1 || working.CallCount("Stream") != 1 {
		t.Error("expected one Stream call per provider")
	}
}

func TestChainAllFail(t *testing.T) {
	e1 := errors.New("provider 1 failed")
	e2 := errors.New("provider 2 failed")
	chain, _ := NewChain(WithError(e1), WithError(e2))
	defer chain.Close()

	_, err := chain.Stream(context.Background(), &ChatRequest{})
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("Expected ChainError, got %T", err)
	}
	if len(chainErr.Errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(chainErr.Errors))
	}
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Error("ChainError should unwrap to every provider error")
	}
}

func TestChainStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &Mock{StreamFunc: func(ctx context.Context, req *ChatRequest) (Stream, error) {
		cancel()
		return nil, ctx.Err()
	}}
	second := NewMock("never")

	chain, _ := NewChain(first, second)
	_, err := chain.Stream(ctx, &ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if second.CallCount("Stream") != 0 {
		t.Error("second provider should not be tried after cancel")
	}
}

func TestChainHealth(t *testing.T) {
	chain, _ := NewChain(NewMock(), WithError(errors.New("unhealthy")))
	if err := chain.Health(context.Background()); err != nil {
		t.Errorf("Health should pass with one healthy provider: %v", err)
	}

	chain, _ = NewChain(WithError(errors.New("a")), WithError(errors.New("b")))
	if err := chain.Health(context.Background()); err == nil {
		t.Error("Health should fail when all providers are unhealthy")
	}
}

func TestNewChainEmpty(t *testing.T) {
	if _, err := NewChain(); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestTokenStream(t *testing.T) {
	var seen []int
	s := NewTokenStream("Je", " pense")
	s.BeforeRecv = func(i int) { seen = append(seen, i) }

	for _, want := range []string{"Je", " pense"} {
		c, err := s.Recv()
		if err != nil || c.Delta != want {
			t.Fatalf("Recv = %+v, %v; want %q", c, err, want)
		}
	}
	if c, _ := s.Recv(); !c.Done {
		t.Error("expected Done after tokens")
	}
	if len(seen) != 2 {
		t.Errorf("hook calls = %v", seen)
	}
	s.Close()
	if _, err := s.Recv(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("err = %v", err)
	}
}
