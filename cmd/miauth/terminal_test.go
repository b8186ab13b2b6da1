package main

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/layer-3/miauth/adapters/tokenizer"
	"github.com/layer-3/miauth/adapters/twofactor"
	"github.com/layer-3/miauth/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTerminalBridge(t *testing.T, in io.Reader, opts ...twofactor.Option) *twofactor.Bridge {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	surface := newTerminalSurface(bufio.NewReader(in), io.Discard)
	bridge := twofactor.NewBridge(surface, tokenizer.NewJWTTokenizer(key), opts...)
	surface.bridge = bridge
	return bridge
}

func TestTerminalSurfaceCompletes(t *testing.T) {
	in := strings.NewReader("userId=U\nserviceToken=T; userId=U; cUserId=C\n")
	bridge := newTerminalBridge(t, in)

	res, err := bridge.RequestTwoFactor(context.Background(), core.TwoFactorChallenge{AttemptID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, core.TwoFactorResult{ServiceToken: "T", UserID: "U", CUserID: "C"}, res)
}

func TestTerminalSurfaceAbandonsOnEmptyLine(t *testing.T) {
	bridge := newTerminalBridge(t, strings.NewReader("\n"))

	_, err := bridge.RequestTwoFactor(context.Background(), core.TwoFactorChallenge{AttemptID: "a1"})
	assert.ErrorIs(t, err, core.ErrCancelled)
}

func TestTerminalSurfaceStopsReadingAfterTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	bridge := newTerminalBridge(t, pr, twofactor.WithTimeout(50*time.Millisecond))

	_, err := bridge.RequestTwoFactor(context.Background(), core.TwoFactorChallenge{AttemptID: "a1"})
	require.ErrorIs(t, err, core.ErrCancelled)

	// The next challenge gets the next line; the cancelled one no longer reads
	done := make(chan error, 1)
	go func() {
		_, err := bridge.RequestTwoFactor(context.Background(), core.TwoFactorChallenge{AttemptID: "a2"})
		done <- err
	}()
	require.Eventually(t, func() bool { return bridge.Pending() == 1 }, time.Second, 5*time.Millisecond)

	_, err = io.WriteString(pw, "serviceToken=T; userId=U; cUserId=C\n")
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second challenge never settled")
	}
}
