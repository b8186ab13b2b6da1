package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/layer-3/miauth/adapters/twofactor"
	"github.com/layer-3/miauth/core"
)

// terminalSurface prints the challenge URL and reads the cookie string the
// user copied from the browser after finishing it. An empty line abandons.
type terminalSurface struct {
	out    io.Writer
	lines  <-chan string
	bridge *twofactor.Bridge
}

// newTerminalSurface owns in from now on. A single goroutine reads it for
// the life of the process; challenges only consume its lines.
func newTerminalSurface(in *bufio.Reader, out io.Writer) *terminalSurface {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := in.ReadString('\n')
			if line != "" || err == nil {
				lines <- strings.TrimSpace(line)
			}
			if err != nil {
				return
			}
		}
	}()
	return &terminalSurface{out: out, lines: lines}
}

func (s *terminalSurface) Present(ctx context.Context, challenge core.Challenge, ticket string) error {
	fmt.Fprintf(s.out, "\nTwo-factor verification required. Open:\n\n  %s\n\n", challenge.NotificationURL)
	fmt.Fprintf(s.out, "When done, paste document.cookie from %s (empty line to abort) before %s:\n",
		"sts.api.io.mi.com", challenge.ExpiresAt.Format("15:04:05"))

	go s.read(ctx, ticket)
	return nil
}

// read settles the challenge from terminal input. It returns as soon as ctx
// is done, which happens when the bridge stops waiting.
func (s *terminalSurface) read(ctx context.Context, ticket string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-s.lines:
			if !ok || line == "" {
				_ = s.bridge.Abandon(ticket)
				return
			}

			err := s.bridge.Complete(ticket, line)
			if errors.Is(err, core.ErrInvalidTwoFactorResult) {
				fmt.Fprintln(s.out, "Cookie lacks serviceToken, userId or cUserId, try again:")
				continue
			}
			// Completed, timed out or already settled
			return
		}
	}
}
