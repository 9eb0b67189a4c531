package optimizer

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// APIError is a classified optimizer API failure.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("optimizer api: status %d: %s", e.StatusCode, e.Detail)
}

// transientStatuses are the upstream statuses worth retrying.
var transientStatuses = map[int]bool{
	429: true,
	502: true,
	503: true,
	504: true,
}

// IsTransient reports whether err is worth retrying: a recognized upstream
// status, a timeout, a refused or reset connection, or a DNS failure.
// Everything else is permanent and propagates immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return transientStatuses[apiErr.StatusCode]
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// DetailMatches reports whether the error detail contains any of the given
// patterns, case-insensitively. Used to recognize the optimizer's soft
// conditions ("not configured", "no solution stored") without pinning exact
// literals at the call sites.
func DetailMatches(err error, patterns []string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	detail := strings.ToLower(apiErr.Detail)
	for _, p := range patterns {
		if p != "" && strings.Contains(detail, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
