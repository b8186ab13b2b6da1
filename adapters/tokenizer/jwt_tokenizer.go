package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/miauth/core"
)

// AudienceTwoFactor is the audience of two-factor tickets
const AudienceTwoFactor = "miauth:two-factor"

// JWTTokenizer signs two-factor tickets with ES256
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey) *JWTTokenizer {
	return &JWTTokenizer{signKey: signKey}
}

// ChallengeToToken converts a Challenge to a signed ticket
func (j *JWTTokenizer) ChallengeToToken(challenge *core.Challenge) (string, error) {
	claims := TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   challenge.AttemptID,
			ID:        challenge.ID,
			ExpiresAt: jwt.NewNumericDate(challenge.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(challenge.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceTwoFactor},
		},
		NotificationURL: challenge.NotificationURL,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// TokenToChallenge verifies a ticket and returns the challenge it names
func (j *JWTTokenizer) TokenToChallenge(tokenStr string) (*core.Challenge, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(AudienceTwoFactor))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, core.ErrInvalidToken
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok {
		return nil, core.ErrInvalidToken
	}

	challenge := &core.Challenge{
		ID:              claims.ID,
		AttemptID:       claims.Subject,
		NotificationURL: claims.NotificationURL,
		IssuedAt:        claims.IssuedAt.Time,
		ExpiresAt:       claims.ExpiresAt.Time,
	}

	return challenge, nil
}
