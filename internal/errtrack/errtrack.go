// Package errtrack reports unexpected errors to the error tracker with
// sanitized context.
package errtrack

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter captures one unexpected error.
type Reporter interface {
	Report(ctx context.Context, err error, fields map[string]any)
	Flush(timeout time.Duration)
}

var sensitive = []string{"card", "secret", "token", "password", "payment_method", "authorization"}

// Sanitize returns a copy of fields without keys that mention payment or
// credential material. Nested maps are sanitized too.
func Sanitize(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitive(k) {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			v = Sanitize(m)
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Nop only logs.
type Nop struct{}

func (Nop) Report(_ context.Context, err error, fields map[string]any) {
	log.Printf("errtrack: err=%v fields=%v", err, Sanitize(fields))
}

func (Nop) Flush(time.Duration) {}

// Sentry sends errors to a Sentry project.
type Sentry struct {
	hub *sentry.Hub
}

// NewSentry initializes a client for dsn. An empty dsn returns Nop.
func NewSentry(dsn, environment, release string) (Reporter, error) {
	if dsn == "" {
		return Nop{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
		BeforeSend: func(ev *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			// request bodies may carry customer data
			ev.Request = nil
			return ev
		},
	})
	if err != nil {
		return nil, err
	}
	return &Sentry{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (s *Sentry) Report(_ context.Context, err error, fields map[string]any) {
	if err == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		clean := Sanitize(fields)
		if op, ok := clean["op"].(string); ok {
			scope.SetTag("op", op)
		}
		scope.SetContext("storefront", clean)
		s.hub.CaptureException(err)
	})
}

func (s *Sentry) Flush(timeout time.Duration) {
	s.hub.Flush(timeout)
}
