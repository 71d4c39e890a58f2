// Package telephony serves the Twilio side of a call: the TwiML webhook
// that connects a call to a media stream, and the media stream WebSocket
// that feeds call sessions.
package telephony

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-phoneagent/pkg/metrics"
	"github.com/teslashibe/go-phoneagent/pkg/protocol"
	"github.com/teslashibe/go-phoneagent/pkg/session"
)

// ErrStreamClosed is returned when writing to a finished media stream.
var ErrStreamClosed = errors.New("telephony: media stream closed")

// Sessions is the part of the session registry the server drives.
type Sessions interface {
	Create(ctx context.Context, sender session.Sender) (string, error)
	Dispatch(id string, ev session.Event)
	Count() int
	Infos() []session.Info
}

// Server handles Twilio webhooks and media streams.
type Server struct {
	sessions     Sessions
	logger       *slog.Logger
	metrics      *metrics.Metrics
	publicHost   string
	mediaPath    string
	startTimeout time.Duration
	writeTimeout time.Duration

	connections atomic.Int64

	// Stats
	messagesReceived atomic.Uint64
	framesReceived   atomic.Uint64
	framesSent       atomic.Uint64
	protocolErrors   atomic.Uint64
	marksPlayed      atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithPublicHost sets the host Twilio connects back to. Defaults to the
// webhook request's Host header.
func WithPublicHost(host string) Option {
	return func(s *Server) { s.publicHost = host }
}

// WithMediaPath sets the media stream route.
func WithMediaPath(path string) Option {
	return func(s *Server) { s.mediaPath = path }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a server creating sessions in sessions.
func NewServer(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		sessions:     sessions,
		logger:       slog.Default(),
		mediaPath:    "/ws/media",
		startTimeout: 15 * time.Second,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "telephony")
	return s
}

// RegisterRoutes registers the webhook and media stream routes.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Post("/call", s.handleCall)
	app.Get("/call", s.handleCall)

	app.Use(s.mediaPath, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(s.mediaPath, websocket.New(s.handleMedia))
}

// handleCall answers Twilio's voice webhook with TwiML connecting the call
// to our media stream.
func (s *Server) handleCall(c *fiber.Ctx) error {
	host := s.publicHost
	if host == "" {
		host = c.Hostname()
	}

	params := map[string]string{}
	for _, key := range []string{"CallSid", "From", "To"} {
		if v := c.FormValue(key); v != "" {
			params[key] = v
		}
	}

	body, err := protocol.ConnectStreamTwiML("wss://"+host+s.mediaPath, params)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	s.logger.Info("incoming call", "call_sid", params["CallSid"], "from", params["From"])
	c.Set(fiber.HeaderContentType, "application/xml")
	return c.Send(body)
}

// handleMedia runs one media stream. The session is created on the start
// event and destroyed on stop or when the socket closes.
func (s *Server) handleMedia(c *websocket.Conn) {
	s.connections.Add(1)
	defer s.connections.Add(-1)

	mc := &mediaConn{conn: c, writeTimeout: s.writeTimeout, sent: &s.framesSent}
	logger := s.logger
	var sessionID string

	defer func() {
		mc.release()
		if sessionID != "" {
			s.sessions.Dispatch(sessionID, session.ConnectionClosed{})
		}
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("media stream read error", "error", err)
			}
			return
		}
		s.messagesReceived.Add(1)

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			s.protocolError(logger, err)
			continue
		}

		switch msg.Event {
		case protocol.EventConnected:
			logger.Debug("media stream connected", "protocol", msg.Protocol, "version", msg.Version)

		case protocol.EventStart:
			if sessionID != "" {
				logger.Warn("duplicate start ignored", "stream_sid", msg.StreamSID)
				continue
			}
			mc.setStreamSID(msg.StreamSID)

			ctx, cancel := context.WithTimeout(context.Background(), s.startTimeout)
			id, err := s.sessions.Create(ctx, mc)
			cancel()
			if err != nil {
				logger.Error("session create failed", "stream_sid", msg.StreamSID, "error", err)
				return
			}
			sessionID = id
			logger = logger.With("session_id", id)
			s.sessions.Dispatch(id, session.CallStarted{CallID: msg.Start.CallSID, StreamID: msg.StreamSID})

		case protocol.EventMedia:
			if sessionID == "" || !msg.Media.IsInbound() {
				continue
			}
			payload, err := msg.Media.Decode()
			if err != nil {
				s.protocolError(logger, err)
				continue
			}
			s.framesReceived.Add(1)
			s.sessions.Dispatch(sessionID, session.AudioFrame{Payload: payload})

		case protocol.EventStop:
			logger.Info("media stream stopped")
			if sessionID != "" {
				s.sessions.Dispatch(sessionID, session.CallStopped{})
				sessionID = ""
			}
			return

		case protocol.EventMark:
			if msg.Mark != nil {
				s.marksPlayed.Add(1)
				logger.Debug("mark played", "name", msg.Mark.Name)
			}

		case protocol.EventDTMF:
			if msg.DTMF != nil {
				logger.Info("dtmf", "digit", msg.DTMF.Digit)
			}

		default:
			logger.Debug("ignoring event", "event", msg.Event)
		}
	}
}

func (s *Server) protocolError(logger *slog.Logger, err error) {
	s.protocolErrors.Add(1)
	s.metrics.ProtocolError()
	logger.Warn("dropping media stream message", "error", err)
}

// Stats contains server statistics.
type Stats struct {
	ActiveSessions   int    `json:"active_sessions"`
	Connections      int64  `json:"connections"`
	MessagesReceived uint64 `json:"messages_received"`
	FramesReceived   uint64 `json:"frames_received"`
	FramesSent       uint64 `json:"frames_sent"`
	ProtocolErrors   uint64 `json:"protocol_errors"`
	MarksPlayed      uint64 `json:"marks_played"`
}

// GetStats returns server statistics.
func (s *Server) GetStats() Stats {
	return Stats{
		ActiveSessions:   s.sessions.Count(),
		Connections:      s.connections.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		FramesReceived:   s.framesReceived.Load(),
		FramesSent:       s.framesSent.Load(),
		ProtocolErrors:   s.protocolErrors.Load(),
		MarksPlayed:      s.marksPlayed.Load(),
	}
}

// RegisterAPIRoutes registers session inspection routes.
func (s *Server) RegisterAPIRoutes(api fiber.Router) {
	sessions := api.Group("/sessions")

	sessions.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": s.sessions.Infos(),
			"count":    s.sessions.Count(),
		})
	})

	sessions.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.GetStats())
	})
}

// mediaConn is the outbound side of a media stream. Writes are serialized
// because audio and control messages come from different goroutines.
type mediaConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	sent         *atomic.Uint64

	mu        sync.Mutex
	streamSID string
	closed    bool
}

func (m *mediaConn) setStreamSID(sid string) {
	m.mu.Lock()
	m.streamSID = sid
	m.mu.Unlock()
}

// SendMedia sends one µ-law frame to the caller.
func (m *mediaConn) SendMedia(payload []byte) error {
	if err := m.write(func(sid string) *protocol.Message {
		return protocol.NewMediaMessage(sid, payload)
	}); err != nil {
		return err
	}
	m.sent.Add(1)
	return nil
}

// Clear drops audio Twilio has buffered for the caller.
func (m *mediaConn) Clear() error {
	return m.write(protocol.NewClearMessage)
}

// Mark asks Twilio to echo name once the audio queued before it has played.
func (m *mediaConn) Mark(name string) error {
	return m.write(func(sid string) *protocol.Message {
		return protocol.NewMarkMessage(sid, name)
	})
}

// Close hangs up the media stream when the session ends first. The read
// loop in handleMedia then fails and the handler returns.
func (m *mediaConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	m.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	m.conn.WriteMessage(websocket.CloseMessage, []byte{})
	return m.conn.Close()
}

func (m *mediaConn) write(build func(sid string) *protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStreamClosed
	}

	data, err := build(m.streamSID).Bytes()
	if err != nil {
		return err
	}
	m.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// release stops writes once the handler is done with the connection.
func (m *mediaConn) release() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

var _ session.Sender = (*mediaConn)(nil)
