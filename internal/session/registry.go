package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/mri-check/internal/upload"
)

// Factory builds the controller for a new session.
type Factory func(sessionID string) *upload.Controller

type entry struct {
	controller *upload.Controller
	lastSeen   time.Time
}

// Registry maps session IDs to controllers and tears down sessions idle for longer than ttl.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	factory  Factory
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewRegistry(factory Factory, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		factory:  factory,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.Named("session_registry"),
	}
}

// Create starts a new session.
func (r *Registry) Create() (string, *upload.Controller) {
	id := uuid.NewString()
	ctrl := r.factory(id)

	r.mu.Lock()
	r.sessions[id] = &entry{controller: ctrl, lastSeen: r.now()}
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Debug("session created", zap.String("session_id", id), zap.Int("active_sessions", count))
	return id, ctrl
}

// Get returns the live controller for id and marks the session as used.
func (r *Registry) Get(id string) (*upload.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	if r.now().Sub(e.lastSeen) >= r.ttl {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.controller, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes every session idle for at least ttl and returns how many were closed.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*upload.Controller
	for id, e := range r.sessions {
		if !e.lastSeen.After(cutoff) {
			expired = append(expired, e.controller)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, ctrl := range expired {
		ctrl.Close(ctx)
	}
	if len(expired) > 0 {
		r.logger.Info("expired idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done, then closes all remaining sessions.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.CloseAll(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// CloseAll tears down every session.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	all := make([]*upload.Controller, 0, len(r.sessions))
	for id, e := range r.sessions {
		all = append(all, e.controller)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, ctrl := range all {
		ctrl.Close(ctx)
	}
}
