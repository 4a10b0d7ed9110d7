// Package registry tracks the live sessions of the server.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-server/internal/session"
)

var (
	// ErrRegistryFull is returned by Admit when MaxSessions are live
	ErrRegistryFull = errors.New("session limit reached")
	// ErrShuttingDown is returned by Admit after CloseAll
	ErrShuttingDown = errors.New("server shutting down")
)

// Registry owns the set of active sessions. It is the only state sessions
// share, and it is only ever inserted into or removed from.
type Registry struct {
	deps   session.Deps
	opts   session.Options
	max    int
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	devices  map[string]string // device id -> session id
	closing  bool
	live     sync.WaitGroup
}

// New creates a registry that builds sessions from deps and opts. max <= 0
// means no limit.
func New(deps session.Deps, opts session.Options, max int, logger zerolog.Logger) *Registry {
	return &Registry{
		deps:     deps,
		opts:     opts,
		max:      max,
		logger:   logger.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*session.Session),
		devices:  make(map[string]string),
	}
}

// Admit creates and registers a session for conn. A device that already has
// a live session is taken over: the old session is closed.
func (r *Registry) Admit(conn session.Conn, deviceID string) (*session.Session, error) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}

	var stale *session.Session
	if id, ok := r.devices[deviceID]; ok && deviceID != "" {
		stale = r.sessions[id]
	}
	n := len(r.sessions)
	if stale != nil {
		n--
	}
	if r.max > 0 && n >= r.max {
		r.mu.Unlock()
		return nil, ErrRegistryFull
	}

	s, err := session.New(conn, deviceID, r.deps, r.opts, r.logger)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if stale != nil {
		r.removeLocked(stale.ID())
	}
	r.sessions[s.ID()] = s
	if deviceID != "" {
		r.devices[deviceID] = s.ID()
	}
	r.live.Add(1)
	n = len(r.sessions)
	r.mu.Unlock()

	if stale != nil {
		r.logger.Info().Str("device_id", deviceID).Str("old_session", stale.ID()).Msg("Device reconnected, closing previous session")
		stale.Close()
	}
	r.logger.Debug().Str("session_id", s.ID()).Int("sessions", n).Msg("Session admitted")
	return s, nil
}

// Remove unregisters a session. It is safe to call more than once.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	r.removeLocked(id)
	r.mu.Unlock()
}

func (r *Registry) removeLocked(id string) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if r.devices[s.DeviceID()] == id {
		delete(r.devices, s.DeviceID())
	}
	r.live.Done()
}

// Get returns a live session by id
func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Serve admits conn, runs the session until it ends and removes it
func (r *Registry) Serve(ctx context.Context, conn session.Conn, deviceID string) error {
	s, err := r.Admit(conn, deviceID)
	if err != nil {
		return err
	}
	defer r.Remove(s.ID())
	return s.Serve(ctx)
}

// CloseAll stops admitting, closes every live session and waits until all of
// them have been removed or ctx ends.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	live := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	r.logger.Info().Int("sessions", len(live)).Msg("Closing all sessions")

	var g errgroup.Group
	for _, s := range live {
		g.Go(func() error {
			s.Close()
			return nil
		})
	}
	g.Wait()

	done := make(chan struct{})
	go func() {
		r.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
