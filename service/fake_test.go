package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/miauth/config"
	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/identity"
	"github.com/rs/zerolog"
)

const (
	accountURL = "https://account.xiaomi.com"
	stsURL     = "https://sts.api.io.mi.com"
)

var testIdentity = identity.Identity{
	ClientID:    "0123456789ABCDEF",
	AppUAID:     strings.Repeat("A", 40) + "-0123456789-0123456789ABCDEF",
	WebviewUAID: "ABC123",
}

type recordedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   string
}

type reply struct {
	status    int
	body      string
	setCookie []string
	err       error
}

// fakeAccount answers requests by method and URL without query. Each route
// holds a queue of replies; the last reply repeats once the queue is drained.
type fakeAccount struct {
	mu       sync.Mutex
	routes   map[string][]reply
	requests []recordedRequest
}

func newFakeAccount() *fakeAccount {
	return &fakeAccount{routes: make(map[string][]reply)}
}

func (f *fakeAccount) on(method, rawURL string, replies ...reply) *fakeAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := method + " " + rawURL
	f.routes[key] = append(f.routes[key], replies...)
	return f
}

func (f *fakeAccount) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}

	u := *req.URL
	u.RawQuery = ""
	key := req.Method + " " + u.String()

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	})
	queue := f.routes[key]
	if len(queue) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("no route for %s", key)
	}
	r := queue[0]
	if len(queue) > 1 {
		f.routes[key] = queue[1:]
	}
	f.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	header := http.Header{}
	for _, c := range r.setCookie {
		header.Add("Set-Cookie", c)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

func (f *fakeAccount) requestsTo(method, rawURL string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []recordedRequest
	for _, r := range f.requests {
		u := strings.SplitN(r.URL, "?", 2)[0]
		if r.Method == method && u == rawURL {
			out = append(out, r)
		}
	}
	return out
}

// recordingPublisher collects published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []core.LoginEvent
}

func (p *recordingPublisher) PublishLoginEvent(_ context.Context, event core.LoginEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

func newTestService(t *testing.T, doer *fakeAccount, pub *recordingPublisher) *LoginService {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.TwoFactor.Timeout = time.Second
	return NewLoginService(cfg, doer, testIdentity, pub, zerolog.Nop())
}

func signReply(sign string) reply {
	return reply{
		body:      `123&&&START&&&{"_sign":"` + sign + `"}`,
		setCookie: []string{"pass_trace=trace1; Path=/; Domain=account.xiaomi.com"},
	}
}

func challengeReply(url string) reply {
	return reply{body: `&&&START&&&{"notificationUrl":"` + url + `","code":0}`}
}

func successReply(location string) reply {
	return reply{
		body: `&&&START&&&{"ssecurity":"SSEC","userId":"U","cUserId":"C","passToken":"PT","location":"` + location + `"}`,
		setCookie: []string{
			"passToken=PT; Path=/; Domain=account.xiaomi.com; Secure; HttpOnly",
		},
	}
}
