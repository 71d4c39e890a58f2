package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ChannelFactory builds the providers for a new session.
type ChannelFactory func(ctx context.Context, id string) (Channels, error)

// Registry holds the live sessions of the process.
type Registry struct {
	factory ChannelFactory
	opts    []Option
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*CallSession
	closed   bool
}

// NewRegistry creates a registry. opts are applied to every session.
func NewRegistry(factory ChannelFactory, opts ...Option) *Registry {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	return &Registry{
		factory:  factory,
		opts:     opts,
		logger:   cfg.Logger.With("component", "session.registry"),
		sessions: make(map[string]*CallSession),
	}
}

// Create builds, starts and registers a session writing to sender.
func (r *Registry) Create(ctx context.Context, sender Sender) (string, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	id := uuid.NewString()
	ch, err := r.factory(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrChannelConnection, err)
	}

	s := New(id, sender, ch, r.opts...)

	// Registered before Start so a failure raised while starting finds it.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.Shutdown()
		return "", ErrClosed
	}
	r.sessions[id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	s.OnFatal(func(error) { r.Destroy(id) })
	if err := s.Start(ctx); err != nil {
		r.Destroy(id)
		return "", err
	}
	if s.Closed() {
		r.Destroy(id)
		return "", fmt.Errorf("%w: session failed while starting", ErrClosed)
	}

	r.logger.Info("session created", "session_id", id, "active", count)
	return id, nil
}

// Dispatch routes ev to the session. Unknown or destroyed ids are ignored.
// Terminal events destroy the session.
func (r *Registry) Dispatch(id string, ev Event) {
	if Terminal(ev) {
		r.Destroy(id)
		return
	}
	if s := r.Get(id); s != nil {
		s.HandleEvent(ev)
	}
}

// Destroy shuts the session down and removes it. Unknown ids are ignored.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.Shutdown()
	r.logger.Info("session destroyed", "session_id", id, "active", count)
}

// Get returns the session, or nil.
func (r *Registry) Get(id string) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Infos returns a snapshot of every session, oldest first.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	sessions := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Close destroys every session concurrently and rejects new ones.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				r.Destroy(id)
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()
	r.logger.Info("registry closed", "sessions", len(ids))
	return err
}
