package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var creds = core.Credentials{Username: "user@example.com", Password: "test-password"}

func TestLoginWithTwoFactorDetour(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", signReply("abc"), signReply("def")).
		on("POST", accountURL+"/pass/serviceLoginAuth2",
			challengeReply("https://account.xiaomi.com/identity/authStart?sid=xiaomiio"),
			successReply("/sts")).
		on("GET", accountURL+"/sts", reply{
			status:    302,
			setCookie: []string{"serviceToken=FINAL; Path=/", "userId=U; Path=/"},
		})
	pub := &recordingPublisher{}
	svc := newTestService(t, doer, pub)

	var calls atomic.Int32
	bridge := ports.TwoFactorBridgeFunc(func(_ context.Context, ch core.TwoFactorChallenge) (core.TwoFactorResult, error) {
		calls.Add(1)
		assert.Equal(t, "https://account.xiaomi.com/identity/authStart?sid=xiaomiio", ch.NotificationURL)
		assert.NotEmpty(t, ch.AttemptID)
		return core.TwoFactorResult{ServiceToken: "T", UserID: "U", CUserID: "C"}, nil
	})

	a := svc.NewAttempt()
	ok, err := a.Login(context.Background(), creds, bridge)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), calls.Load())

	pc := a.Context()
	assert.True(t, pc.Complete())
	assert.Equal(t, core.ProtocolContext{
		SSecurity:    "SSEC",
		UserID:       "U",
		CUserID:      "C",
		PassToken:    "PT",
		ServiceToken: "FINAL",
	}, pc)
	assert.Equal(t, core.StateComplete, a.State())

	// The protocol restarted from sign after the detour
	signs := doer.requestsTo("GET", accountURL+"/pass/serviceLogin")
	require.Len(t, signs, 2)
	posts := doer.requestsTo("POST", accountURL+"/pass/serviceLoginAuth2")
	require.Len(t, posts, 2)
	assert.Contains(t, posts[0].Body, "_sign=abc")
	assert.Contains(t, posts[1].Body, "_sign=def")

	// Two-factor cookies are scoped to the token-issuing domain
	jar := a.Cookies()
	v, found := jar.Value(stsURL+"/", "serviceToken")
	require.True(t, found)
	assert.Equal(t, "T", v)
	v, _ = jar.Value(stsURL+"/", "cUserId")
	assert.Equal(t, "C", v)
	assert.NotContains(t, posts[1].Header.Get("Cookie"), "cUserId=C")

	select {
	case <-a.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, []string{core.EventTwoFactorRequired, core.EventSucceeded}, pub.kinds())
}

func TestLoginWithoutChallenge(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
		on("POST", accountURL+"/pass/serviceLoginAuth2", successReply("/sts")).
		on("GET", accountURL+"/sts", reply{setCookie: []string{"serviceToken=FINAL; Path=/"}})
	svc := newTestService(t, doer, &recordingPublisher{})

	pc, err := svc.Login(context.Background(), creds, nil)
	require.NoError(t, err)
	assert.Equal(t, "FINAL", pc.ServiceToken)
}

func TestRequestsCarryProtocolDetails(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
		on("POST", accountURL+"/pass/serviceLoginAuth2", successReply("/sts")).
		on("GET", accountURL+"/sts", reply{setCookie: []string{"serviceToken=FINAL; Path=/"}})
	svc := newTestService(t, doer, &recordingPublisher{})

	_, err := svc.Login(context.Background(), creds, nil)
	require.NoError(t, err)

	sign := doer.requestsTo("GET", accountURL+"/pass/serviceLogin")[0]
	assert.Equal(t, accountURL+"/pass/serviceLogin?sid=xiaomiio&_json=true", sign.URL)
	assert.Equal(t, "no-cache", sign.Header.Get("Cache-Control"))
	assert.Equal(t, testIdentity.WebviewUA(), sign.Header.Get("User-Agent"))
	assert.Equal(t, "deviceId=0123456789ABCDEF; sdkVersion=4.2.31", sign.Header.Get("Cookie"))

	post := doer.requestsTo("POST", accountURL+"/pass/serviceLoginAuth2")[0]
	assert.Equal(t, "application/x-www-form-urlencoded", post.Header.Get("Content-Type"))
	assert.Contains(t, post.Header.Get("Cookie"), "pass_trace=trace1")
	assert.NotContains(t, post.Body, "%2F")
	assert.Contains(t, post.Body, "callback=https%3A//sts.api.io.mi.com/sts")
	assert.Contains(t, post.Body, "hash=DFB450EFDDBB5387197C84460623675B")
	assert.Contains(t, post.Body, "qs=%253Fsid%253Dxiaomiio%2526_json%253Dtrue")
	assert.Contains(t, post.Body, "user=user%40example.com")
	assert.NotContains(t, post.Body, "test-password")

	form, err := url.ParseQuery(post.Body)
	require.NoError(t, err)
	assert.Equal(t, "xiaomiio", form.Get("sid"))
	assert.Equal(t, "true", form.Get("_json"))
	assert.Equal(t, "abc", form.Get("_sign"))

	st := doer.requestsTo("GET", accountURL+"/sts")[0]
	assert.Contains(t, st.Header.Get("Cookie"), "passToken=PT")
}

func TestRepeatedChallenge(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
		on("POST", accountURL+"/pass/serviceLoginAuth2", challengeReply("https://account.xiaomi.com/verify"))
	pub := &recordingPublisher{}
	svc := newTestService(t, doer, pub)

	var calls atomic.Int32
	bridge := ports.TwoFactorBridgeFunc(func(context.Context, core.TwoFactorChallenge) (core.TwoFactorResult, error) {
		calls.Add(1)
		return core.TwoFactorResult{ServiceToken: "T", UserID: "U", CUserID: "C"}, nil
	})

	a := svc.NewAttempt()
	ok, err := a.Login(context.Background(), creds, bridge)
	assert.False(t, ok)

	var perr *core.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, core.ReasonRepeatedChallenge, perr.Reason)
	assert.ErrorIs(t, err, core.ErrProtocol)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, doer.requestsTo("POST", accountURL+"/pass/serviceLoginAuth2"), 2)
	assert.Equal(t, core.StateFailed, a.State())
	assert.Equal(t, []string{core.EventTwoFactorRequired, core.EventFailed}, pub.kinds())
}

func TestBridgeAbandonment(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
		on("POST", accountURL+"/pass/serviceLoginAuth2", challengeReply("https://account.xiaomi.com/verify"))
	pub := &recordingPublisher{}
	svc := newTestService(t, doer, pub)

	bridge := ports.TwoFactorBridgeFunc(func(context.Context, core.TwoFactorChallenge) (core.TwoFactorResult, error) {
		return core.TwoFactorResult{}, core.ErrCancelled
	})

	a := svc.NewAttempt()
	ok, err := a.Login(context.Background(), creds, bridge)
	assert.False(t, ok)
	assert.ErrorIs(t, err, core.ErrCancelled)

	assert.Equal(t, core.ProtocolContext{}, a.Context())
	assert.Equal(t, core.StateFailed, a.State())

	names := map[string]string{}
	for _, c := range a.CookieSnapshot() {
		names[c.Name] = c.Domain
	}
	assert.Equal(t, map[string]string{
		"deviceId":   "account.xiaomi.com",
		"sdkVersion": "account.xiaomi.com",
		"pass_trace": "account.xiaomi.com",
	}, names)
	assert.Equal(t, []string{core.EventTwoFactorRequired, core.EventCancelled}, pub.kinds())
}

func TestBridgeTimeout(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
		on("POST", accountURL+"/pass/serviceLoginAuth2", challengeReply("https://account.xiaomi.com/verify"))
	svc := newTestService(t, doer, &recordingPublisher{})
	svc.twoFactorTimeout = 50 * time.Millisecond

	bridge := ports.TwoFactorBridgeFunc(func(ctx context.Context, _ core.TwoFactorChallenge) (core.TwoFactorResult, error) {
		<-ctx.Done()
		return core.TwoFactorResult{}, ctx.Err()
	})

	start := time.Now()
	_, err := svc.Login(context.Background(), creds, bridge)
	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInvalidTwoFactorResult(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
		on("POST", accountURL+"/pass/serviceLoginAuth2", challengeReply("https://account.xiaomi.com/verify"))
	svc := newTestService(t, doer, &recordingPublisher{})

	bridge := ports.TwoFactorBridgeFunc(func(context.Context, core.TwoFactorChallenge) (core.TwoFactorResult, error) {
		return core.TwoFactorResult{ServiceToken: "T"}, nil
	})

	_, err := svc.Login(context.Background(), creds, bridge)
	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.ErrorIs(t, err, core.ErrInvalidTwoFactorResult)
}

func TestChallengeWithoutBridge(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
		on("POST", accountURL+"/pass/serviceLoginAuth2", challengeReply("https://account.xiaomi.com/verify"))
	svc := newTestService(t, doer, &recordingPublisher{})

	_, err := svc.Login(context.Background(), creds, nil)
	assert.ErrorIs(t, err, core.ErrCancelled)
}

func TestProtocolFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*fakeAccount)
		step   string
		reason string
	}{
		{
			name: "sign body without marker",
			setup: func(f *fakeAccount) {
				f.on("GET", accountURL+"/pass/serviceLogin", reply{body: `{"_sign":"abc"}`})
			},
			step:   StepSign,
			reason: core.ReasonMissingSign,
		},
		{
			name: "sign absent",
			setup: func(f *fakeAccount) {
				f.on("GET", accountURL+"/pass/serviceLogin", reply{body: `&&&START&&&{"code":70016}`})
			},
			step:   StepSign,
			reason: core.ReasonMissingSign,
		},
		{
			name: "credentials without location or challenge",
			setup: func(f *fakeAccount) {
				f.on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
					on("POST", accountURL+"/pass/serviceLoginAuth2", reply{status: 403, body: `&&&START&&&{"code":70016,"desc":"bad password"}`})
			},
			step:   StepCredentials,
			reason: core.ReasonMissingLocation,
		},
		{
			name: "credentials body malformed",
			setup: func(f *fakeAccount) {
				f.on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
					on("POST", accountURL+"/pass/serviceLoginAuth2", reply{body: `<html>maintenance</html>`})
			},
			step:   StepCredentials,
			reason: core.ReasonMalformedResponse,
		},
		{
			name: "service token absent",
			setup: func(f *fakeAccount) {
				f.on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
					on("POST", accountURL+"/pass/serviceLoginAuth2", successReply("/sts")).
					on("GET", accountURL+"/sts", reply{setCookie: []string{"other=1; Path=/"}})
			},
			step:   StepServiceToken,
			reason: core.ReasonMissingToken,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doer := newFakeAccount()
			tc.setup(doer)
			svc := newTestService(t, doer, &recordingPublisher{})

			a := svc.NewAttempt()
			ok, err := a.Login(context.Background(), creds, nil)
			assert.False(t, ok)

			var perr *core.ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.step, perr.Step)
			assert.Equal(t, tc.reason, perr.Reason)
			assert.False(t, a.Context().Complete())
			assert.NotEmpty(t, a.Status().Error)
		})
	}
}

func TestNetworkError(t *testing.T) {
	dial := errors.New("dial tcp: connection refused")
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", reply{err: dial})
	svc := newTestService(t, doer, &recordingPublisher{})

	_, err := svc.Login(context.Background(), creds, nil)
	assert.ErrorIs(t, err, core.ErrNetwork)
	assert.ErrorIs(t, err, dial)

	var nerr *core.NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, StepSign, nerr.Step)
	assert.Same(t, dial, nerr.Unwrap())
}

func TestNumericIdentifiers(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
		on("POST", accountURL+"/pass/serviceLoginAuth2", reply{
			body: `&&&START&&&{"ssecurity":"S","userId":1234567890,"cUserId":"C","passToken":"P","location":"/sts"}`,
		}).
		on("GET", accountURL+"/sts", reply{setCookie: []string{"serviceToken=FINAL; Path=/"}})
	svc := newTestService(t, doer, &recordingPublisher{})

	pc, err := svc.Login(context.Background(), creds, nil)
	require.NoError(t, err)
	assert.Equal(t, "1234567890", pc.UserID)
}

func TestAbsoluteLocation(t *testing.T) {
	location := stsURL + "/sts?d=abc&nonce=1"
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
		on("POST", accountURL+"/pass/serviceLoginAuth2", successReply(location)).
		on("GET", stsURL+"/sts", reply{setCookie: []string{"serviceToken=STS; Path=/"}})
	svc := newTestService(t, doer, &recordingPublisher{})

	pc, err := svc.Login(context.Background(), creds, nil)
	require.NoError(t, err)
	assert.Equal(t, "STS", pc.ServiceToken)

	reqs := doer.requestsTo("GET", stsURL+"/sts")
	require.Len(t, reqs, 1)
	assert.Equal(t, location, reqs[0].URL)
	assert.NotContains(t, reqs[0].Header.Get("Cookie"), "passToken")
}

func TestAttemptIsSingleUse(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", reply{body: "nope"})
	svc := newTestService(t, doer, &recordingPublisher{})

	a := svc.NewAttempt()
	_, err := a.Login(context.Background(), creds, nil)
	require.Error(t, err)

	_, err = a.Login(context.Background(), creds, nil)
	require.Error(t, err)
	assert.Len(t, doer.requestsTo("GET", accountURL+"/pass/serviceLogin"), 1)
}

func TestStatusExposesChallenge(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
		on("POST", accountURL+"/pass/serviceLoginAuth2", challengeReply("https://account.xiaomi.com/verify"))
	svc := newTestService(t, doer, &recordingPublisher{})

	a := svc.NewAttempt()
	presented := make(chan Status, 1)
	bridge := ports.TwoFactorBridgeFunc(func(context.Context, core.TwoFactorChallenge) (core.TwoFactorResult, error) {
		presented <- a.Status()
		return core.TwoFactorResult{}, core.ErrCancelled
	})

	_, err := a.Login(context.Background(), creds, bridge)
	require.Error(t, err)

	st := <-presented
	assert.Equal(t, "awaiting_two_factor", st.State)
	assert.Equal(t, "https://account.xiaomi.com/verify", st.NotificationURL)

	final := a.Status()
	assert.Equal(t, "failed", final.State)
	assert.Empty(t, final.NotificationURL)
	assert.True(t, strings.Contains(final.Error, "cancelled"))
}

func TestCookiesWithoutPathReachServiceToken(t *testing.T) {
	doer := newFakeAccount().
		on("GET", accountURL+"/pass/serviceLogin", reply{
			body:      `&&&START&&&{"_sign":"abc"}`,
			setCookie: []string{"uLocale=en_US"},
		}).
		on("POST", accountURL+"/pass/serviceLoginAuth2", reply{
			body:      `&&&START&&&{"ssecurity":"S","userId":"U","cUserId":"C","passToken":"PT","location":"/sts"}`,
			setCookie: []string{"passToken=PT; HttpOnly"},
		}).
		on("GET", accountURL+"/sts", reply{setCookie: []string{"serviceToken=FINAL"}})
	svc := newTestService(t, doer, &recordingPublisher{})

	a := svc.NewAttempt()
	ok, err := a.Login(context.Background(), creds, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "FINAL", a.Context().ServiceToken)

	post := doer.requestsTo("POST", accountURL+"/pass/serviceLoginAuth2")[0]
	assert.Contains(t, post.Header.Get("Cookie"), "uLocale=en_US")

	sts := doer.requestsTo("GET", accountURL+"/sts")[0]
	assert.Equal(t, "deviceId=0123456789ABCDEF; sdkVersion=4.2.31; uLocale=en_US; passToken=PT", sts.Header.Get("Cookie"))

	for _, c := range a.CookieSnapshot() {
		assert.Equal(t, "/", c.Path, c.Name)
	}
}

func TestLocationResolution(t *testing.T) {
	tests := []struct {
		name     string
		location string
		route    string
		want     string
	}{
		{"absolute path", "/sts?d=1", accountURL + "/sts", accountURL + "/sts?d=1"},
		{"relative path", "sts?d=1", accountURL + "/sts", accountURL + "/sts?d=1"},
		{"protocol relative", "//sts.api.io.mi.com/sts?d=1", stsURL + "/sts", stsURL + "/sts?d=1"},
		{"absolute url", stsURL + "/sts?d=1", stsURL + "/sts", stsURL + "/sts?d=1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doer := newFakeAccount().
				on("GET", accountURL+"/pass/serviceLogin", signReply("abc")).
				on("POST", accountURL+"/pass/serviceLoginAuth2", successReply(tc.location)).
				on("GET", tc.route, reply{setCookie: []string{"serviceToken=FINAL"}})
			svc := newTestService(t, doer, &recordingPublisher{})

			pc, err := svc.Login(context.Background(), creds, nil)
			require.NoError(t, err)
			assert.Equal(t, "FINAL", pc.ServiceToken)

			reqs := doer.requestsTo("GET", tc.route)
			require.Len(t, reqs, 1)
			assert.Equal(t, tc.want, reqs[0].URL)
		})
	}
}
