package miauth

import (
	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/rc4"
)

var (
	// ErrProtocol matches every *ProtocolError
	ErrProtocol = core.ErrProtocol

	// ErrNetwork matches every *NetworkError
	ErrNetwork = core.ErrNetwork

	// ErrCancelled is returned when the two-factor challenge was abandoned or timed out
	ErrCancelled = core.ErrCancelled

	// ErrInvalidKey is returned for an empty cipher key
	ErrInvalidKey = rc4.ErrInvalidKey

	// ErrEmptyInput is returned when there is nothing to encrypt
	ErrEmptyInput = rc4.ErrEmptyInput
)

// ProtocolError reports a response lacking a field the protocol requires
type ProtocolError = core.ProtocolError

// NetworkError wraps a transport failure
type NetworkError = core.NetworkError
