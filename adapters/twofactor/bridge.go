// Package twofactor connects the login state machine to the surface a human
// completes the two-factor challenge on.
//
// Each challenge gets a signed ticket and a single-slot channel. The surface
// settles it by calling Complete or Abandon with the ticket; the first
// settlement wins and later ones get ErrAlreadySettled.
package twofactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/ports"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds how long a challenge waits for the human
const DefaultTimeout = 2 * time.Minute

var (
	// ErrUnknownChallenge is returned when a ticket names no pending challenge
	ErrUnknownChallenge = errors.New("unknown or finished two-factor challenge")

	// ErrAlreadySettled is returned when a challenge already received its outcome
	ErrAlreadySettled = errors.New("two-factor challenge already settled")
)

// Surface presents a challenge to a human. Present must not block until the
// challenge is finished; the outcome comes back through Complete or Abandon.
type Surface interface {
	Present(ctx context.Context, challenge core.Challenge, ticket string) error
}

// FuncSurface adapts a function to Surface
type FuncSurface func(ctx context.Context, challenge core.Challenge, ticket string) error

func (f FuncSurface) Present(ctx context.Context, challenge core.Challenge, ticket string) error {
	return f(ctx, challenge, ticket)
}

type outcome struct {
	result core.TwoFactorResult
	err    error
}

type pending struct {
	challenge core.Challenge
	done      chan outcome
	once      sync.Once
}

// settle delivers o at most once
func (p *pending) settle(o outcome) bool {
	delivered := false
	p.once.Do(func() {
		p.done <- o
		delivered = true
	})
	return delivered
}

// Bridge implements ports.TwoFactorBridge
type Bridge struct {
	surface   Surface
	tokenizer ports.Tokenizer
	timeout   time.Duration
	log       zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

// Option configures a Bridge
type Option func(*Bridge)

// WithTimeout overrides DefaultTimeout
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bridge) {
		b.log = log
	}
}

// NewBridge creates a bridge presenting challenges on surface
func NewBridge(surface Surface, tokenizer ports.Tokenizer, opts ...Option) *Bridge {
	b := &Bridge{
		surface:   surface,
		tokenizer: tokenizer,
		timeout:   DefaultTimeout,
		log:       zerolog.Nop(),
		pending:   make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RequestTwoFactor presents the challenge and blocks until it is completed,
// abandoned, timed out, or ctx is done
func (b *Bridge) RequestTwoFactor(ctx context.Context, ch core.TwoFactorChallenge) (core.TwoFactorResult, error) {
	now := time.Now()
	p := &pending{
		challenge: core.Challenge{
			ID:              uuid.New().String(),
			AttemptID:       ch.AttemptID,
			NotificationURL: ch.NotificationURL,
			IssuedAt:        now,
			ExpiresAt:       now.Add(b.timeout),
		},
		done: make(chan outcome, 1),
	}

	ticket, err := b.tokenizer.ChallengeToToken(&p.challenge)
	if err != nil {
		return core.TwoFactorResult{}, fmt.Errorf("failed to create ticket: %w", err)
	}

	b.mu.Lock()
	b.pending[p.challenge.ID] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, p.challenge.ID)
		b.mu.Unlock()
	}()

	log := b.log.With().Str("challenge_id", p.challenge.ID).Str("attempt_id", ch.AttemptID).Logger()

	// Surfaces that keep working after Present must stop when presentCtx is done
	presentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := b.surface.Present(presentCtx, p.challenge, ticket); err != nil {
		log.Warn().Err(err).Msg("Failed to present two-factor challenge")
		return core.TwoFactorResult{}, fmt.Errorf("%w: %v", core.ErrCancelled, err)
	}
	log.Info().Dur("timeout", b.timeout).Msg("Waiting for two-factor completion")

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case o := <-p.done:
		if o.err != nil {
			log.Info().Err(o.err).Msg("Two-factor challenge not completed")
			return core.TwoFactorResult{}, o.err
		}
		log.Info().Msg("Two-factor challenge completed")
		return o.result, nil
	case <-timer.C:
		p.settle(outcome{err: core.ErrCancelled})
		log.Info().Msg("Two-factor challenge timed out")
		return core.TwoFactorResult{}, fmt.Errorf("%w: timed out after %s", core.ErrCancelled, b.timeout)
	case <-ctx.Done():
		p.settle(outcome{err: core.ErrCancelled})
		return core.TwoFactorResult{}, fmt.Errorf("%w: %v", core.ErrCancelled, ctx.Err())
	}
}

// Complete settles the challenge named by ticket with the cookies the
// surface observed
func (b *Bridge) Complete(ticket, rawCookie string) error {
	p, err := b.lookup(ticket)
	if err != nil {
		return err
	}

	result, err := ParseCookieString(rawCookie)
	if err != nil {
		return err
	}

	if !p.settle(outcome{result: result}) {
		return ErrAlreadySettled
	}
	return nil
}

// Abandon settles the challenge named by ticket as cancelled
func (b *Bridge) Abandon(ticket string) error {
	p, err := b.lookup(ticket)
	if err != nil {
		return err
	}

	if !p.settle(outcome{err: fmt.Errorf("%w: abandoned", core.ErrCancelled)}) {
		return ErrAlreadySettled
	}
	return nil
}

// Pending reports the number of challenges currently waiting
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) lookup(ticket string) (*pending, error) {
	challenge, err := b.tokenizer.TokenToChallenge(ticket)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	p, ok := b.pending[challenge.ID]
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnknownChallenge
	}
	return p, nil
}
