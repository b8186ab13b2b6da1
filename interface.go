// Package miauth logs in to a Xiaomi account and obtains the service token
// used by the IoT endpoints.
package miauth

import (
	"context"

	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/ports"
)

// Client represents the public interface of the login handshake
type Client interface {
	// Login runs the handshake. bridge is consulted at most once, when the
	// account service demands a two-factor challenge.
	Login(ctx context.Context, creds core.Credentials, bridge TwoFactorBridge) (core.ProtocolContext, error)
}

// TwoFactorBridge hands a challenge to a human and returns the cookies they obtained
type TwoFactorBridge = ports.TwoFactorBridge

// Store persists the per-install identifiers
type Store = ports.KVStore
