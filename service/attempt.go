package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/layer-3/miauth/cookies"
	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/ports"
	"github.com/rs/zerolog"
)

// Protocol steps as reported in errors
const (
	StepSign         = "sign"
	StepCredentials  = "credentials"
	StepTwoFactor    = "two_factor"
	StepServiceToken = "service_token"
)

// Attempt is a single login run. It owns its cookie jar and is not reused.
type Attempt struct {
	id  string
	svc *LoginService
	log zerolog.Logger

	mu        sync.RWMutex
	state     core.State
	protocol  core.ProtocolContext
	jar       *cookies.Jar
	challenge *core.TwoFactorChallenge
	err       error
	startedAt time.Time
	updatedAt time.Time

	running bool
	done    chan struct{}
}

// Status is a point-in-time view of an attempt
type Status struct {
	ID              string               `json:"id"`
	State           string               `json:"state"`
	NotificationURL string               `json:"notification_url,omitempty"`
	Context         core.ProtocolContext `json:"-"`
	Error           string               `json:"error,omitempty"`
	StartedAt       time.Time            `json:"started_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	Cookies         int                  `json:"cookies"`
}

// ID returns the attempt id
func (a *Attempt) ID() string {
	return a.id
}

// State returns the current protocol state
func (a *Attempt) State() core.State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Context returns the protocol context. It is zero until the attempt completes.
func (a *Attempt) Context() core.ProtocolContext {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.protocol
}

// Err returns the error the attempt failed with, if any
func (a *Attempt) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// Cookies returns the attempt's jar. It must not be used while Login runs.
func (a *Attempt) Cookies() *cookies.Jar {
	return a.jar
}

// CookieSnapshot copies the jar under the attempt lock
func (a *Attempt) CookieSnapshot() []cookies.Cookie {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.jar.Snapshot()
}

// Done is closed once Login returns
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Status returns a snapshot of the attempt
func (a *Attempt) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := Status{
		ID:        a.id,
		State:     a.state.String(),
		Context:   a.protocol,
		StartedAt: a.startedAt,
		UpdatedAt: a.updatedAt,
		Cookies:   a.jar.Len(),
	}
	if a.challenge != nil && a.state == core.StateAwaitingTwoFactor {
		st.NotificationURL = a.challenge.NotificationURL
	}
	if a.err != nil {
		st.Error = a.err.Error()
	}
	return st
}

// finishedAt reports when the attempt reached a terminal state
func (a *Attempt) finishedAt() (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updatedAt, a.state.Terminal()
}

// Login runs the protocol: sign, credentials, an optional single two-factor
// detour that restarts from sign, then the service token redirect.
// It returns true only when the protocol context is complete.
func (a *Attempt) Login(ctx context.Context, creds core.Credentials, bridge ports.TwoFactorBridge) (bool, error) {
	a.mu.Lock()
	if a.running || a.state.Terminal() {
		a.mu.Unlock()
		return false, errors.New("login attempt already used")
	}
	a.running = true
	a.mu.Unlock()
	defer close(a.done)

	a.log.Info().Msg("Starting login")

	pc, err := a.run(ctx, creds, bridge)
	if err != nil {
		a.fail(ctx, err)
		return false, err
	}

	a.mu.Lock()
	a.protocol = pc
	a.setStateLocked(core.StateComplete)
	a.mu.Unlock()

	a.log.Info().Str("user_id", pc.UserID).Msg("Login complete")
	a.svc.publish(ctx, core.LoginEvent{
		AttemptID: a.id,
		Kind:      core.EventSucceeded,
		UserID:    pc.UserID,
		At:        time.Now(),
	})
	return true, nil
}

func (a *Attempt) run(ctx context.Context, creds core.Credentials, bridge ports.TwoFactorBridge) (core.ProtocolContext, error) {
	var (
		res      credentialsResponse
		detoured bool
	)

	for {
		a.setState(core.StateInit)

		sign, err := a.fetchSign(ctx)
		if err != nil {
			return core.ProtocolContext{}, err
		}

		res, err = a.submitCredentials(ctx, creds, sign)
		if err != nil {
			return core.ProtocolContext{}, err
		}

		if res.authenticated() {
			break
		}
		if res.NotificationURL == "" {
			return core.ProtocolContext{}, &core.ProtocolError{Step: StepCredentials, Reason: core.ReasonMissingLocation}
		}
		if detoured {
			return core.ProtocolContext{}, &core.ProtocolError{Step: StepCredentials, Reason: core.ReasonRepeatedChallenge}
		}
		detoured = true

		if err := a.twoFactor(ctx, bridge, string(res.NotificationURL)); err != nil {
			return core.ProtocolContext{}, err
		}
		a.log.Info().Msg("Two-factor challenge completed, restarting protocol")
	}

	a.setState(core.StateSuccess)

	pc := core.ProtocolContext{
		SSecurity: string(res.SSecurity),
		UserID:    string(res.UserID),
		CUserID:   string(res.CUserID),
		PassToken: string(res.PassToken),
	}

	token, err := a.fetchServiceToken(ctx, string(res.Location))
	if err != nil {
		return core.ProtocolContext{}, err
	}
	pc.ServiceToken = token

	return pc, nil
}

// fetchSign obtains the signing token and the initial session cookies
func (a *Attempt) fetchSign(ctx context.Context) (string, error) {
	a.setState(core.StateAwaitingSign)

	target := a.svc.xiaomi.AccountURL + "/pass/serviceLogin?" + a.serviceQuery()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build sign request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	_, body, err := a.roundTrip(req, StepSign)
	if err != nil {
		return "", err
	}

	var res signResponse
	if err := unwrapJSON(body, &res); err != nil || res.Sign == "" {
		return "", &core.ProtocolError{Step: StepSign, Reason: core.ReasonMissingSign}
	}
	a.log.Debug().Msg("Obtained sign")
	return string(res.Sign), nil
}

// submitCredentials posts the hashed credentials with the sign
func (a *Attempt) submitCredentials(ctx context.Context, creds core.Credentials, sign string) (credentialsResponse, error) {
	a.setState(core.StateAwaitingCredentialsResult)

	form := url.Values{}
	form.Set("_json", "true")
	form.Set("hash", hashPassword(creds.Password))
	form.Set("sid", a.svc.xiaomi.SID)
	form.Set("callback", a.svc.xiaomi.STSURL+"/sts")
	form.Set("_sign", sign)
	form.Set("qs", url.QueryEscape("?"+a.serviceQuery()))
	form.Set("user", creds.Username)

	target := a.svc.xiaomi.AccountURL + "/pass/serviceLoginAuth2"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(encodeForm(form)))
	if err != nil {
		return credentialsResponse{}, fmt.Errorf("failed to build credentials request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, body, err := a.roundTrip(req, StepCredentials)
	if err != nil {
		return credentialsResponse{}, err
	}

	var res credentialsResponse
	if err := unwrapJSON(body, &res); err != nil {
		a.log.Debug().Err(err).Msg("Unparseable credentials response")
		return credentialsResponse{}, &core.ProtocolError{Step: StepCredentials, Reason: core.ReasonMalformedResponse}
	}
	return res, nil
}

// twoFactor hands the challenge to the bridge and absorbs its cookies
func (a *Attempt) twoFactor(ctx context.Context, bridge ports.TwoFactorBridge, notificationURL string) error {
	challenge := core.TwoFactorChallenge{AttemptID: a.id, NotificationURL: notificationURL}

	a.mu.Lock()
	a.challenge = &challenge
	a.setStateLocked(core.StateAwaitingTwoFactor)
	a.mu.Unlock()

	a.log.Info().Msg("Two-factor challenge required")
	a.svc.publish(ctx, core.LoginEvent{
		AttemptID: a.id,
		Kind:      core.EventTwoFactorRequired,
		At:        time.Now(),
	})

	if bridge == nil {
		return fmt.Errorf("%w: no two-factor bridge", core.ErrCancelled)
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.svc.twoFactorTimeout)
	defer cancel()

	result, err := bridge.RequestTwoFactor(waitCtx, challenge)
	if err != nil {
		if errors.Is(err, core.ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: %w", core.ErrCancelled, err)
	}
	if waitCtx.Err() != nil {
		return fmt.Errorf("%w: %w", core.ErrCancelled, waitCtx.Err())
	}
	if err := result.Validate(); err != nil {
		return fmt.Errorf("%w: %w", core.ErrCancelled, err)
	}

	host := hostOf(a.svc.xiaomi.STSURL)
	a.mu.Lock()
	a.jar.SetCookie("serviceToken", result.ServiceToken, host)
	a.jar.SetCookie("userId", result.UserID, host)
	a.jar.SetCookie("cUserId", result.CUserID, host)
	a.challenge = nil
	a.mu.Unlock()

	return nil
}

// fetchServiceToken follows the location redirect that mints the service token
func (a *Attempt) fetchServiceToken(ctx context.Context, location string) (string, error) {
	a.setState(core.StateAwaitingServiceToken)

	target, err := a.resolveLocation(location)
	if err != nil {
		return "", &core.ProtocolError{Step: StepServiceToken, Reason: core.ReasonMissingLocation}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", &core.ProtocolError{Step: StepServiceToken, Reason: core.ReasonMissingLocation}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, _, err := a.roundTrip(req, StepServiceToken)
	if err != nil {
		return "", err
	}
	if !setsCookie(resp, "serviceToken") {
		return "", &core.ProtocolError{Step: StepServiceToken, Reason: core.ReasonMissingToken}
	}

	a.mu.RLock()
	token, ok := a.jar.Value(a.accountBase(), "serviceToken")
	if !ok {
		token, ok = a.jar.Value(target, "serviceToken")
	}
	a.mu.RUnlock()

	if !ok || token == "" {
		return "", &core.ProtocolError{Step: StepServiceToken, Reason: core.ReasonMissingToken}
	}
	return token, nil
}

// resolveLocation resolves a relative location against the account base URL
func (a *Attempt) resolveLocation(location string) (string, error) {
	base, err := url.Parse(a.accountBase())
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// accountBase is the origin cookies from the account host are scoped to
func (a *Attempt) accountBase() string {
	return strings.TrimSuffix(a.svc.xiaomi.AccountURL, "/") + "/"
}

// cookieOrigin is the URL a response's cookies are merged against. Responses
// from the account host use the base URL so that cookies without a Path
// attribute apply to every later step.
func (a *Attempt) cookieOrigin(req *http.Request) string {
	if strings.EqualFold(req.URL.Hostname(), hostOf(a.svc.xiaomi.AccountURL)) {
		return a.accountBase()
	}
	return req.URL.String()
}

// roundTrip sends req with the jar's cookies and the webview user agent,
// merges the response cookies and returns the response with its body read.
// Non-2xx statuses are not errors; the body decides.
func (a *Attempt) roundTrip(req *http.Request, step string) (*http.Response, []byte, error) {
	target := req.URL.String()

	a.mu.RLock()
	cookieHeader := a.jar.CookieHeader(target)
	a.mu.RUnlock()

	req.Header.Set("User-Agent", a.svc.identity.WebviewUA())
	if cookieHeader != "" {
		req.Header.Set("Cookie", cookieHeader)
	}

	resp, err := a.svc.doer.Do(req)
	if err != nil {
		return nil, nil, &core.NetworkError{Step: step, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, nil, &core.NetworkError{Step: step, Err: err}
	}

	a.mu.Lock()
	mergeErr := a.jar.MergeResponse(a.cookieOrigin(req), resp)
	a.mu.Unlock()
	if mergeErr != nil {
		a.log.Warn().Err(mergeErr).Str("step", step).Msg("Failed to merge response cookies")
	}

	a.log.Debug().Str("step", step).Int("status", resp.StatusCode).Int("set_cookie", len(resp.Header.Values("Set-Cookie"))).Msg("Response received")
	return resp, body, nil
}

func setsCookie(resp *http.Response, name string) bool {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (a *Attempt) fail(ctx context.Context, err error) {
	a.mu.Lock()
	a.err = err
	a.challenge = nil
	a.setStateLocked(core.StateFailed)
	a.mu.Unlock()

	kind := core.EventFailed
	if errors.Is(err, core.ErrCancelled) {
		kind = core.EventCancelled
	}

	a.log.Warn().Err(err).Str("kind", kind).Msg("Login failed")
	a.svc.publish(ctx, core.LoginEvent{
		AttemptID: a.id,
		Kind:      kind,
		Error:     err.Error(),
		At:        time.Now(),
	})
}

func (a *Attempt) setState(s core.State) {
	a.mu.Lock()
	a.setStateLocked(s)
	a.mu.Unlock()
}

func (a *Attempt) setStateLocked(s core.State) {
	if a.state != s {
		a.log.Debug().Str("from", a.state.String()).Str("to", s.String()).Msg("State transition")
	}
	a.state = s
	a.updatedAt = time.Now()
}

// serviceQuery is the query naming the target service, in the order the
// account service issues it
func (a *Attempt) serviceQuery() string {
	return "sid=" + url.QueryEscape(a.svc.xiaomi.SID) + "&_json=true"
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
