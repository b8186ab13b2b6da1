package ports

import (
	"context"
	"net/http"

	"github.com/layer-3/miauth/core"
)

// Doer issues outbound HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TwoFactorBridge hands a challenge to whatever surface the human completes it on.
// It returns core.ErrCancelled when the challenge was abandoned or timed out.
type TwoFactorBridge interface {
	RequestTwoFactor(ctx context.Context, challenge core.TwoFactorChallenge) (core.TwoFactorResult, error)
}

// TwoFactorBridgeFunc adapts a function to TwoFactorBridge
type TwoFactorBridgeFunc func(ctx context.Context, challenge core.TwoFactorChallenge) (core.TwoFactorResult, error)

func (f TwoFactorBridgeFunc) RequestTwoFactor(ctx context.Context, challenge core.TwoFactorChallenge) (core.TwoFactorResult, error) {
	return f(ctx, challenge)
}
