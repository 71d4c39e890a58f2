// Package web keeps the recent call activity for the monitoring dashboard
// and relays it live through the monitor hub.
package web

import (
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-phoneagent/pkg/hub"
	"github.com/teslashibe/go-phoneagent/pkg/session"
)

const defaultLogSize = 500

// Dashboard records session activity and broadcasts it. It implements
// session.Monitor.
type Dashboard struct {
	hub  *hub.Hub
	size int

	mu   sync.RWMutex
	logs []session.Activity
}

// NewDashboard creates a dashboard relaying through h and keeping the last
// size activities (500 when size <= 0).
func NewDashboard(h *hub.Hub, size int) *Dashboard {
	if size <= 0 {
		size = defaultLogSize
	}
	return &Dashboard{
		hub:  h,
		size: size,
		logs: make([]session.Activity, 0, size),
	}
}

// BroadcastJSON records v when it is session activity, then relays it to
// connected monitors. Partial transcripts are relayed but not kept.
func (d *Dashboard) BroadcastJSON(v interface{}) error {
	if a, ok := v.(session.Activity); ok && a.Type != session.ActivityPartial {
		d.mu.Lock()
		d.logs = append(d.logs, a)
		if len(d.logs) > d.size {
			d.logs = d.logs[1:]
		}
		d.mu.Unlock()
	}
	return d.hub.BroadcastJSON(v)
}

// Recent returns recorded activity, oldest first, optionally restricted to
// one session.
func (d *Dashboard) Recent(sessionID string) []session.Activity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]session.Activity, 0, len(d.logs))
	for _, a := range d.logs {
		if sessionID == "" || a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out
}

// Conversation returns the final transcripts and replies of one session.
func (d *Dashboard) Conversation(sessionID string) []session.Activity {
	var out []session.Activity
	for _, a := range d.Recent(sessionID) {
		if a.Type == session.ActivityFinal || a.Type == session.ActivityReply {
			out = append(out, a)
		}
	}
	return out
}

// RegisterRoutes registers the activity API and the live feed socket.
func (d *Dashboard) RegisterRoutes(app *fiber.App, api fiber.Router) {
	d.hub.RegisterRoutes(app, "/ws/monitor")

	api.Get("/activity", d.handleActivity)
	api.Get("/activity/:id/conversation", d.handleConversation)
}

func (d *Dashboard) handleActivity(c *fiber.Ctx) error {
	logs := d.Recent(strings.TrimSpace(c.Query("session")))
	return c.JSON(fiber.Map{
		"activity": logs,
		"count":    len(logs),
		"monitors": d.hub.ClientCount(),
	})
}

func (d *Dashboard) handleConversation(c *fiber.Ctx) error {
	id := c.Params("id")
	conv := d.Conversation(id)
	if len(conv) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no conversation for session " + id,
		})
	}
	return c.JSON(fiber.Map{
		"session_id":   id,
		"conversation": conv,
	})
}

var _ session.Monitor = (*Dashboard)(nil)
