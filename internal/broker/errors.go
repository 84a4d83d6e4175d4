package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"brokerlink/internal/domain"
)

// statusError classifies a non-2xx venue response.
func statusError(venue string, code int, msg string) error {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = http.StatusText(code)
	}
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return fmt.Errorf("%w: %s HTTP %d: %s", domain.ErrAuth, venue, code, msg)
	}
	return fmt.Errorf("%w: %s HTTP %d: %s", domain.ErrExternal, venue, code, msg)
}

// transportError classifies an error that carries no HTTP status. Timeouts
// and connection failures are transient; messages mentioning an auth
// failure are treated as such.
func transportError(venue string, err error) error {
	if errors.Is(err, domain.ErrAuth) || errors.Is(err, domain.ErrExternal) || errors.Is(err, domain.ErrTransient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %v", domain.ErrTransient, venue, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %v", domain.ErrTransient, venue, err)
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden"} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %s: %v", domain.ErrAuth, venue, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrExternal, venue, err)
}

// withContext runs a context-unaware call and abandons it when ctx ends.
// The abandoned call finishes in the background and its result is dropped.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
