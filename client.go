package miauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/layer-3/miauth/adapters/events"
	"github.com/layer-3/miauth/adapters/store"
	"github.com/layer-3/miauth/config"
	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/identity"
	"github.com/layer-3/miauth/ports"
	"github.com/layer-3/miauth/service"
	"github.com/rs/zerolog"
)

type options struct {
	cfg      *config.Config
	doer     ports.Doer
	store    ports.KVStore
	eventPub ports.EventPublisher
	log      zerolog.Logger
}

// Option configures a DefaultClient
type Option func(*options)

// WithConfig replaces config.DefaultConfig
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithHTTPClient replaces the client built by NewHTTPClient
func WithHTTPClient(doer ports.Doer) Option {
	return func(o *options) { o.doer = doer }
}

// WithStore sets where identifiers are memoized. The default is in memory,
// which yields a new device identity per client.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithPublisher sets the login event publisher
func WithPublisher(p ports.EventPublisher) Option {
	return func(o *options) { o.eventPub = p }
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// DefaultClient implements Client on top of service.LoginService
type DefaultClient struct {
	svc *service.LoginService
}

// NewClient loads the install identity and prepares a client
func NewClient(ctx context.Context, opts ...Option) (*DefaultClient, error) {
	o := options{
		cfg:      config.DefaultConfig(),
		eventPub: events.Discard{},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.doer == nil {
		o.doer = NewHTTPClient(o.cfg.HTTP.Timeout)
	}
	if o.store == nil {
		o.store = store.NewMemoryStore()
	}

	ident, err := identity.Load(ctx, o.store)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	return &DefaultClient{
		svc: service.NewLoginService(o.cfg, o.doer, ident, o.eventPub, o.log),
	}, nil
}

// Login runs one attempt with a fresh cookie jar
func (c *DefaultClient) Login(ctx context.Context, creds core.Credentials, bridge TwoFactorBridge) (core.ProtocolContext, error) {
	return c.svc.Login(ctx, creds, bridge)
}

// Service exposes the underlying login service
func (c *DefaultClient) Service() *service.LoginService {
	return c.svc
}

// Login is a one-shot convenience over NewClient and DefaultClient.Login
func Login(ctx context.Context, creds core.Credentials, bridge TwoFactorBridge, opts ...Option) (core.ProtocolContext, error) {
	c, err := NewClient(ctx, opts...)
	if err != nil {
		return core.ProtocolContext{}, err
	}
	return c.Login(ctx, creds, bridge)
}

// NewHTTPClient returns a client that does not follow redirects, so the
// cookies set by the service token redirect reach the jar
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
