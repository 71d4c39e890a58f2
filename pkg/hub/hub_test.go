package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	fiberws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := New("test", quietLogger)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	waitFor(t, "hub running", h.IsRunning)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastToClients(t *testing.T) {
	h := startHub(t)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	h.RegisterRoutes(app, "/ws/monitor")
	go app.Listen(":18197")
	defer app.Shutdown()
	time.Sleep(100 * time.Millisecond)

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial("ws://localhost:18197/ws/monitor", nil)
		if err != nil {
			t.Fatalf("Failed to connect: %v", err)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}
	waitFor(t, "clients", func() bool { return h.ClientCount() == 2 })

	if err := h.BroadcastJSON(map[string]string{"type": "transcript.final", "text": "Bonjour"}); err != nil {
		t.Fatal(err)
	}

	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		var got map[string]string
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatal(err)
		}
		if got["text"] != "Bonjour" {
			t.Errorf("client %d got %s", i, data)
		}
	}

	conns[0].Close()
	waitFor(t, "disconnect", func() bool { return h.ClientCount() == 1 })
}

func TestMonitorRequiresUpgrade(t *testing.T) {
	h := New("test", quietLogger)
	app := fiber.New()
	h.RegisterRoutes(app, "/ws/monitor")

	resp, err := app.Test(httptest.NewRequest("GET", "/ws/monitor", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("Expected status 426, got %d", resp.StatusCode)
	}
}

func TestSlowClientDropped(t *testing.T) {
	h := startHub(t)

	slow := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- slow
	waitFor(t, "register", func() bool { return h.ClientCount() == 1 })

	h.Broadcast([]byte(`{"n":1}`))
	h.Broadcast([]byte(`{"n":2}`))
	waitFor(t, "drop", func() bool { return h.ClientCount() == 0 })

	if h.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", h.Dropped())
	}
	if data, ok := <-slow.send; !ok || string(data) != `{"n":1}` {
		t.Errorf("first message = %q, %v", data, ok)
	}
	if _, ok := <-slow.send; ok {
		t.Error("send channel should be closed")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := New("test", quietLogger)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	waitFor(t, "hub running", h.IsRunning)

	c := &Client{hub: h, send: make(chan []byte, 4)}
	h.register <- c
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if _, ok := <-c.send; ok {
		t.Error("client not closed on stop")
	}
	if NewClient(h, nil) != nil {
		t.Error("NewClient should fail once the hub stopped")
	}
}

func TestBroadcastJSONError(t *testing.T) {
	h := New("test", quietLogger)
	if err := h.BroadcastJSON(make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

// runResults serves the hub on a test route and reports, for each handler
// that returns, whether the client's write pump had already stopped.
func runResults(t *testing.T, h *Hub, port string) chan bool {
	t.Helper()
	results := make(chan bool, 4)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws/monitor", fiberws.New(func(c *fiberws.Conn) {
		client := NewClient(h, c)
		if client == nil {
			return
		}
		client.Run()
		select {
		case <-client.done:
			results <- true
		default:
			results <- false
		}
	}))
	go app.Listen(":" + port)
	t.Cleanup(func() { app.Shutdown() })
	time.Sleep(100 * time.Millisecond)
	return results
}

func TestRunWaitsForWritePumpOnDisconnect(t *testing.T) {
	h := startHub(t)
	results := runResults(t, h, "18198")

	conn, _, err := websocket.DefaultDialer.Dial("ws://localhost:18198/ws/monitor", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	waitFor(t, "client", func() bool { return h.ClientCount() == 1 })
	conn.Close()

	select {
	case stopped := <-results:
		if !stopped {
			t.Error("handler returned while the write pump was still running")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}
	waitFor(t, "unregister", func() bool { return h.ClientCount() == 0 })
}

func TestRunReturnsWhenHubStops(t *testing.T) {
	h := New("test", quietLogger)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()
	waitFor(t, "hub running", h.IsRunning)
	results := runResults(t, h, "18199")

	conn, _, err := websocket.DefaultDialer.Dial("ws://localhost:18199/ws/monitor", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	waitFor(t, "client", func() bool { return h.ClientCount() == 1 })

	cancel()

	// The client gets a close frame and the handler returns.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close")
	}
	select {
	case stopped := <-results:
		if !stopped {
			t.Error("handler returned while the write pump was still running")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after the hub stopped")
	}
}
