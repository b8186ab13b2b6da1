// Package identity builds the stable per-install identifiers the account
// service correlates with session state. Every identifier is generated once
// and memoized in a persistent key/value store.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/ports"
)

// Storage keys
const (
	KeyClientID    = "client_id"
	KeyAppUAID     = "mijia_ua_id"
	KeyWebviewUAID = "webview_ua_id"
)

// PassportSDKUA is the user agent of the native passport SDK
const PassportSDKUA = "APP/com.xiaomi.mihome APPV/10.5.201 iosPassportSDK/4.2.31 iOS/18.4.1 miHSTS"

// Identity holds the memoized identifiers of this install
type Identity struct {
	ClientID    string // 16 uppercase hex characters
	AppUAID     string // <40 hex>-<10 digits>-<ClientID>
	WebviewUAID string // 6 uppercase hex characters
}

// WebviewUA is the user agent sent by the embedded login webview
func (i Identity) WebviewUA() string {
	return "Mozilla/5.0 (iPhone; CPU iPhone OS 18_4_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/" + i.WebviewUAID
}

// AppUA is the user agent sent by the native app
func (i Identity) AppUA() string {
	return "iOS-18.4.1-10.5.201-iPhone14,4--" + i.AppUAID + "-iPhone"
}

// Memoize returns the value stored under key, generating and storing it on
// first use. gen is never called once a value exists.
func Memoize(ctx context.Context, store ports.KVStore, key string, gen func() (string, error)) (string, error) {
	value, err := store.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}

	value, err = gen()
	if err != nil {
		return "", fmt.Errorf("failed to generate %s: %w", key, err)
	}
	if err := store.Set(ctx, key, value); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", key, err)
	}
	return value, nil
}

// Load reads or creates the identifiers of this install
func Load(ctx context.Context, store ports.KVStore) (Identity, error) {
	clientID, err := Memoize(ctx, store, KeyClientID, upperHex(16))
	if err != nil {
		return Identity{}, err
	}

	appUAID, err := Memoize(ctx, store, KeyAppUAID, func() (string, error) {
		prefix, err := upperHex(40)()
		if err != nil {
			return "", err
		}
		digits, err := RandomDigits(10)
		if err != nil {
			return "", err
		}
		return prefix + "-" + digits + "-" + clientID, nil
	})
	if err != nil {
		return Identity{}, err
	}

	webviewUAID, err := Memoize(ctx, store, KeyWebviewUAID, upperHex(6))
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		ClientID:    clientID,
		AppUAID:     appUAID,
		WebviewUAID: webviewUAID,
	}, nil
}

func upperHex(n int) func() (string, error) {
	return func() (string, error) {
		s, err := RandomHex(n)
		return strings.ToUpper(s), err
	}
}
