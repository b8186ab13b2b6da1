package core

import "time"

// Credentials are the account username and plain password supplied by the caller.
// They are only held for the duration of a login call.
type Credentials struct {
	Username string
	Password string
}

// ProtocolContext accumulates the session identifiers returned by the account service
type ProtocolContext struct {
	SSecurity    string // Security token returned by the credentials step
	UserID       string // Numeric account id
	CUserID      string // Encoded account id used by the IoT endpoints
	PassToken    string // Long-lived pass token
	ServiceToken string // Service token minted by the location redirect
}

// Complete reports whether every field of the context has been filled in
func (p ProtocolContext) Complete() bool {
	return p.SSecurity != "" && p.UserID != "" && p.CUserID != "" && p.PassToken != "" && p.ServiceToken != ""
}

// TwoFactorChallenge is produced when the credentials step demands a human challenge
type TwoFactorChallenge struct {
	AttemptID       string // Login attempt that raised the challenge
	NotificationURL string // Page the human has to complete
}

// TwoFactorResult carries the cookies observed after the human finished the challenge
type TwoFactorResult struct {
	ServiceToken string
	UserID       string
	CUserID      string
}

// Validate checks that all three cookie values are present
func (r TwoFactorResult) Validate() error {
	if r.ServiceToken == "" || r.UserID == "" || r.CUserID == "" {
		return ErrInvalidTwoFactorResult
	}
	return nil
}

// Challenge is a pending two-factor challenge as tracked by the bridge
type Challenge struct {
	ID              string    // Unique identifier for the challenge
	AttemptID       string    // Login attempt waiting on the challenge
	NotificationURL string    // Page presented to the human
	IssuedAt        time.Time // When the challenge was raised
	ExpiresAt       time.Time // When the bridge stops waiting
}

// LoginEvent is published on login lifecycle transitions
type LoginEvent struct {
	AttemptID string    `json:"attempt_id"`
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Login event kinds
const (
	EventTwoFactorRequired = "two_factor_required"
	EventSucceeded         = "succeeded"
	EventFailed            = "failed"
	EventCancelled         = "cancelled"
)
