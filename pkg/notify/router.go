package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ErrNoTransport is returned when no transport is configured for a destination scheme.
var ErrNoTransport = errors.New("no transport configured")

// Transport delivers a rendered message to one destination.
type Transport interface {
	Deliver(ctx context.Context, dest *url.URL, msg Message) error
}

// Router applies the policy, renders the message and hands it to the
// transport registered for the destination scheme. It never retries.
type Router struct {
	transports map[string]Transport
}

var _ Dispatcher = (*Router)(nil)

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithTransport registers t for the given URI schemes.
func WithTransport(t Transport, schemes ...string) RouterOption {
	return func(r *Router) {
		for _, scheme := range schemes {
			r.transports[strings.ToLower(scheme)] = t
		}
	}
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{transports: make(map[string]Transport)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send implements Dispatcher.
func (r *Router) Send(ctx context.Context, dest Destination, policy Policy, status VerifyStatus) error {
	if !policy.ShouldSend(status) {
		return nil
	}

	u, err := url.Parse(strings.TrimSpace(string(dest)))
	if err != nil {
		return fmt.Errorf("parse notify destination: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	t, ok := r.transports[scheme]
	if !ok {
		return fmt.Errorf("%w for %q", ErrNoTransport, scheme)
	}

	subject, body, err := render(status)
	if err != nil {
		return err
	}
	msg := Message{
		ID:      uuid.NewString(),
		Subject: subject,
		Body:    body,
		Status:  status,
	}
	if err := t.Deliver(ctx, u, msg); err != nil {
		return fmt.Errorf("notify %s: %w", scheme, err)
	}
	return nil
}
