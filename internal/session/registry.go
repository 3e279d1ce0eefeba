package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"despotify/internal/bridge"
	"despotify/internal/engine"
)

// Info describes a registered session.
type Info struct {
	ID           string    `json:"id"`
	UserAgent    string    `json:"userAgent"`
	IPAddress    string    `json:"ipAddress"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

type entry struct {
	session      *Session
	userAgent    string
	ipAddress    string
	createdAt    time.Time
	lastActivity time.Time
}

// Registry manages the sessions of many clients. All of them share one
// control loop and one worker pool.
type Registry struct {
	engine          engine.Engine
	loop            *bridge.Loop
	pool            *bridge.Pool
	opts            Options
	logger          *logrus.Logger
	sessions        map[string]*entry
	mutex           sync.RWMutex
	activityTimeout time.Duration
}

// NewRegistry creates a registry. Sessions that see no activity for
// timeout, and are not playing, are logged out by Cleanup.
func NewRegistry(eng engine.Engine, workers int, opts Options, timeout time.Duration, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	loop := bridge.NewLoop(logger)
	return &Registry{
		engine:          eng,
		loop:            loop,
		pool:            bridge.NewPool(loop, workers),
		opts:            opts,
		logger:          logger,
		sessions:        make(map[string]*entry),
		activityTimeout: timeout,
	}
}

// Create starts a new session.
func (r *Registry) Create(ctx context.Context, userAgent, ipAddress string) (string, *Session, error) {
	id := uuid.NewString()
	opts := r.opts
	opts.Logger = r.logger.WithField("session", id)

	s, err := New(ctx, r.engine, r.loop, r.pool, opts)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create session: %w", err)
	}

	now := time.Now()
	r.mutex.Lock()
	r.sessions[id] = &entry{
		session:      s,
		userAgent:    userAgent,
		ipAddress:    ipAddress,
		createdAt:    now,
		lastActivity: now,
	}
	r.mutex.Unlock()

	r.logger.WithFields(logrus.Fields{"session": id, "ip": ipAddress}).Info("Session created")
	return id, s, nil
}

// Get returns a session and records activity on it.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastActivity = time.Now()
	return e.session, true
}

// Remove logs a session out and forgets it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mutex.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mutex.Unlock()

	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	return e.session.Logout(ctx)
}

// List returns every session, oldest first.
func (r *Registry) List() []Info {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	infos := make([]Info, 0, len(r.sessions))
	for id, e := range r.sessions {
		infos = append(infos, Info{
			ID:           id,
			UserAgent:    e.userAgent,
			IPAddress:    e.ipAddress,
			State:        e.session.State().String(),
			CreatedAt:    e.createdAt,
			LastActivity: e.lastActivity,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}

// Cleanup logs out idle sessions and returns how many were removed.
func (r *Registry) Cleanup(ctx context.Context) int {
	now := time.Now()

	r.mutex.Lock()
	var expired []*entry
	for id, e := range r.sessions {
		if e.session.State() == StatePlaying {
			continue
		}
		if now.Sub(e.lastActivity) > r.activityTimeout {
			expired = append(expired, e)
			delete(r.sessions, id)
		}
	}
	r.mutex.Unlock()

	for _, e := range expired {
		if err := e.session.Logout(ctx); err != nil {
			r.logger.WithError(err).Warn("Failed to log out expired session")
		}
	}
	if len(expired) > 0 {
		r.logger.WithField("count", len(expired)).Info("Expired idle sessions")
	}
	return len(expired)
}

// Run calls Cleanup periodically until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup(ctx)
		}
	}
}

// Close logs out every session and stops the control loop.
func (r *Registry) Close(ctx context.Context) {
	r.mutex.Lock()
	entries := r.sessions
	r.sessions = make(map[string]*entry)
	r.mutex.Unlock()

	for id, e := range entries {
		if err := e.session.Logout(ctx); err != nil {
			r.logger.WithError(err).WithField("session", id).Warn("Failed to log out session")
		}
	}
	r.loop.Close()
}
