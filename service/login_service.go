package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/miauth/config"
	"github.com/layer-3/miauth/cookies"
	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/identity"
	"github.com/layer-3/miauth/ports"
	"github.com/rs/zerolog"
)

// maxBodySize caps how much of a response body is read
const maxBodySize = 1 << 20

// LoginService creates login attempts against the account service
type LoginService struct {
	xiaomi           config.XiaomiConfig
	twoFactorTimeout time.Duration

	doer     ports.Doer
	identity identity.Identity
	eventPub ports.EventPublisher
	log      zerolog.Logger
}

// NewLoginService creates a new login service
func NewLoginService(
	cfg *config.Config,
	doer ports.Doer,
	ident identity.Identity,
	eventPub ports.EventPublisher,
	log zerolog.Logger,
) *LoginService {
	return &LoginService{
		xiaomi:           cfg.Xiaomi,
		twoFactorTimeout: cfg.TwoFactor.Timeout,
		doer:             doer,
		identity:         ident,
		eventPub:         eventPub,
		log:              log.With().Str("component", "login").Logger(),
	}
}

// NewAttempt creates an attempt with its own cookie jar, seeded with the
// device cookies the account service expects
func (s *LoginService) NewAttempt() *Attempt {
	id := uuid.New().String()

	jar := cookies.NewJar()
	host := hostOf(s.xiaomi.AccountURL)
	jar.SetCookie("deviceId", s.identity.ClientID, host)
	jar.SetCookie("sdkVersion", s.xiaomi.SDKVersion, host)

	now := time.Now()
	return &Attempt{
		id:        id,
		svc:       s,
		log:       s.log.With().Str("attempt_id", id).Logger(),
		jar:       jar,
		state:     core.StateInit,
		startedAt: now,
		updatedAt: now,
		done:      make(chan struct{}),
	}
}

// Login runs one attempt to completion
func (s *LoginService) Login(ctx context.Context, creds core.Credentials, bridge ports.TwoFactorBridge) (core.ProtocolContext, error) {
	a := s.NewAttempt()
	if _, err := a.Login(ctx, creds, bridge); err != nil {
		return core.ProtocolContext{}, err
	}
	return a.Context(), nil
}

func (s *LoginService) publish(ctx context.Context, event core.LoginEvent) {
	if s.eventPub == nil {
		return
	}
	// Events outlive a cancelled attempt
	ctx = context.WithoutCancel(ctx)
	if err := s.eventPub.PublishLoginEvent(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", event.AttemptID).Str("kind", event.Kind).Msg("Failed to publish login event")
	}
}
