package core

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol               = errors.New("protocol error")
	ErrNetwork                = errors.New("network error")
	ErrCancelled              = errors.New("two-factor challenge cancelled")
	ErrNotFound               = errors.New("key not found")
	ErrInvalidTwoFactorResult = errors.New("two-factor result is missing cookie values")
	ErrInvalidToken           = errors.New("invalid token")
	ErrTokenExpired           = errors.New("token has expired")
)

// Protocol failure reasons
const (
	ReasonMissingSign       = "missing sign"
	ReasonMissingLocation   = "missing location"
	ReasonMissingToken      = "missing serviceToken"
	ReasonRepeatedChallenge = "repeated two-factor challenge"
	ReasonMalformedResponse = "malformed response"
)

// ProtocolError reports a remote response that lacks a field expected at Step
type ProtocolError struct {
	Step   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error at %s: %s", e.Step, e.Reason)
}

// Is lets callers match any ProtocolError with errors.Is(err, ErrProtocol)
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// NetworkError wraps a transport failure without altering it
type NetworkError struct {
	Step string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error at %s: %v", e.Step, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}
