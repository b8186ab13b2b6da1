package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/ports"
)

// Tracker runs attempts in the background and keeps them addressable by id.
// Finished attempts are evicted once the retention period has passed.
type Tracker struct {
	svc       *LoginService
	retention time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	attempts map[string]*Attempt
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithRetention sets how long finished attempts stay readable. Zero keeps
// them until Forget.
func WithRetention(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// NewTracker creates a new tracker
func NewTracker(svc *LoginService, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		svc:      svc,
		now:      time.Now,
		attempts: make(map[string]*Attempt),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches a login attempt. ctx bounds the attempt, not the caller's request.
func (t *Tracker) Start(ctx context.Context, creds core.Credentials, bridge ports.TwoFactorBridge) *Attempt {
	a := t.svc.NewAttempt()

	t.mu.Lock()
	t.evictLocked()
	t.attempts[a.ID()] = a
	t.mu.Unlock()

	go func() {
		_, _ = a.Login(ctx, creds, bridge)
	}()

	return a
}

// Get returns the attempt with the given id
func (t *Tracker) Get(id string) (*Attempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()

	a, ok := t.attempts[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return a, nil
}

// Snapshot returns the status of every tracked attempt, oldest first
func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	t.evictLocked()
	out := make([]Status, 0, len(t.attempts))
	for _, a := range t.attempts {
		out = append(out, a.Status())
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Forget drops a finished attempt. Running attempts are kept.
func (t *Tracker) Forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.attempts[id]
	if !ok || !a.State().Terminal() {
		return false
	}
	delete(t.attempts, id)
	return true
}

func (t *Tracker) evictLocked() {
	if t.retention == 0 {
		return
	}
	cutoff := t.now().Add(-t.retention)
	for id, a := range t.attempts {
		if at, done := a.finishedAt(); done && at.Before(cutoff) {
			delete(t.attempts, id)
		}
	}
}
