package twofactor

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/miauth/core"
)

// Posting is a challenge as shown on a Board
type Posting struct {
	Challenge core.Challenge
	Ticket    string
}

// Board is a Surface that keeps the latest challenge of each attempt so a
// polling client can pick it up
type Board struct {
	mu       sync.RWMutex
	postings map[string]Posting
	now      func() time.Time
}

// NewBoard creates an empty board
func NewBoard() *Board {
	return &Board{
		postings: make(map[string]Posting),
		now:      time.Now,
	}
}

// Present posts the challenge under its attempt id
func (b *Board) Present(_ context.Context, challenge core.Challenge, ticket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.postings[challenge.AttemptID] = Posting{Challenge: challenge, Ticket: ticket}
	return nil
}

// Lookup returns the unexpired posting of an attempt
func (b *Board) Lookup(attemptID string) (Posting, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.postings[attemptID]
	if !ok || !b.now().Before(p.Challenge.ExpiresAt) {
		return Posting{}, false
	}
	return p, true
}

// Remove drops the posting of an attempt
func (b *Board) Remove(attemptID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.postings, attemptID)
}
