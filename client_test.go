package miauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/layer-3/miauth/adapters/store"
	"github.com/layer-3/miauth/config"
	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/identity"
	"github.com/layer-3/miauth/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(t *testing.T, stsStatus int) (*httptest.Server, *atomic.Value) {
	t.Helper()
	seenCookie := &atomic.Value{}
	seenCookie.Store("")

	mux := http.NewServeMux()
	mux.HandleFunc("/pass/serviceLogin", func(w http.ResponseWriter, r *http.Request) {
		seenCookie.Store(r.Header.Get("Cookie"))
		fmt.Fprint(w, `&&&START&&&{"_sign":"abc"}`)
	})
	mux.HandleFunc("/pass/serviceLoginAuth2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `&&&START&&&{"ssecurity":"S","userId":"U","cUserId":"C","passToken":"P","location":"/sts"}`)
	})
	mux.HandleFunc("/sts", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "serviceToken", Value: "FINAL", Path: "/"})
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(stsStatus)
	})
	mux.HandleFunc("/elsewhere", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "landed")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, seenCookie
}

func testConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Xiaomi.AccountURL = url
	cfg.Xiaomi.STSURL = url
	return cfg
}

func TestLogin(t *testing.T) {
	srv, seenCookie := newAccount(t, http.StatusFound)
	kv := store.NewMemoryStore()

	pc, err := Login(context.Background(),
		core.Credentials{Username: "user", Password: "secret"},
		nil,
		WithConfig(testConfig(srv.URL)),
		WithStore(kv),
	)
	require.NoError(t, err)
	assert.True(t, pc.Complete())
	assert.Equal(t, "FINAL", pc.ServiceToken)

	clientID, err := kv.Get(context.Background(), identity.KeyClientID)
	require.NoError(t, err)
	assert.Contains(t, seenCookie.Load(), "deviceId="+clientID)
}

func TestClientReusesIdentity(t *testing.T) {
	srv, seenCookie := newAccount(t, http.StatusFound)
	kv := store.NewMemoryStore()

	c, err := NewClient(context.Background(), WithConfig(testConfig(srv.URL)), WithStore(kv))
	require.NoError(t, err)

	_, err = c.Login(context.Background(), core.Credentials{Username: "user", Password: "secret"}, nil)
	require.NoError(t, err)
	first := seenCookie.Load()

	_, err = c.Login(context.Background(), core.Credentials{Username: "user", Password: "secret"}, nil)
	require.NoError(t, err)
	assert.Equal(t, first, seenCookie.Load())
}

func TestLoginTwoFactorCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pass/serviceLogin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `&&&START&&&{"_sign":"abc"}`)
	})
	mux.HandleFunc("/pass/serviceLoginAuth2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `&&&START&&&{"notificationUrl":"https://account.xiaomi.com/verify"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	bridge := ports.TwoFactorBridgeFunc(func(context.Context, core.TwoFactorChallenge) (core.TwoFactorResult, error) {
		return core.TwoFactorResult{}, ErrCancelled
	})

	_, err := Login(context.Background(), core.Credentials{Username: "u", Password: "p"}, bridge, WithConfig(testConfig(srv.URL)))
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestLoginNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Login(context.Background(), core.Credentials{Username: "u", Password: "p"}, nil, WithConfig(testConfig(url)))
	assert.ErrorIs(t, err, ErrNetwork)

	var nerr *NetworkError
	assert.True(t, errors.As(err, &nerr))
}

func TestHTTPClientKeepsRedirectResponse(t *testing.T) {
	srv, _ := newAccount(t, http.StatusFound)

	resp, err := NewHTTPClient(0).Get(srv.URL + "/sts")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "FINAL", resp.Cookies()[0].Value)
}
