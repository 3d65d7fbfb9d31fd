package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Backend-level failures.
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderRejected    = errors.New("provider rejected request")
)

// Capability-level failures, surfaced when no provider satisfies a request.
var (
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrCapabilityBusy        = errors.New("capability busy")
)

// classify maps transport errors onto the provider taxonomy.
func classify(id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProviderTimeout) || errors.Is(err, ErrProviderRejected) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", id, ErrProviderTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %v", id, ErrProviderTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", id, ErrProviderUnavailable, err)
}

// statusError maps a non-2xx HTTP response onto the taxonomy. 4xx means the
// backend is up but refused this request.
func statusError(id string, status int, body []byte) error {
	if len(body) > 200 {
		body = body[:200]
	}
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%s: %w: API error %d: %s", id, ErrProviderUnavailable, status, body)
	case status >= 400:
		return fmt.Errorf("%s: %w: API error %d: %s", id, ErrProviderRejected, status, body)
	}
	return fmt.Errorf("%s: %w: unexpected status %d", id, ErrProviderUnavailable, status)
}

// CapabilityError reports that no backend could serve a capability. It
// wraps ErrCapabilityUnavailable or ErrCapabilityBusy.
type CapabilityError struct {
	Capability Capability
	Mode       string
	Err        error
}

func (e *CapabilityError) Error() string {
	if e.Mode != "" {
		return fmt.Sprintf("%s (mode %s): %v", e.Capability, e.Mode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }
