// Package execute wraps every outbound network call with bounded retry,
// fail-fast circuit breaking, and durable cooldowns. It is the only place in
// the pipeline allowed to perform network I/O.
package execute

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an external failure. Classification happens once, at the
// API-integration boundary; the core never inspects raw error text.
type Kind int

const (
	// KindTransient covers timeouts and 5xx responses. Retried locally
	// with exponential backoff.
	KindTransient Kind = iota
	// KindRateLimited is an explicit rate-limit signal from the remote
	// API. No immediate retry; a long cooldown is recorded durably.
	KindRateLimited
	// KindAuth covers 401/403 and token problems. Requires human action.
	KindAuth
	// KindNonRetryable covers validation and permanent 4xx failures.
	KindNonRetryable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	default:
		return "non_retryable"
	}
}

// ClassifiedError carries the kind assigned at the integration boundary.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error { return &ClassifiedError{Kind: KindTransient, Err: err} }

// RateLimited wraps err as an explicit remote rate-limit signal.
func RateLimited(err error) error { return &ClassifiedError{Kind: KindRateLimited, Err: err} }

// Auth wraps err as an authorization failure needing human action.
func Auth(err error) error { return &ClassifiedError{Kind: KindAuth, Err: err} }

// NonRetryable wraps err as a permanent failure.
func NonRetryable(err error) error { return &ClassifiedError{Kind: KindNonRetryable, Err: err} }

// Classification returns the kind of err. Unclassified errors are treated as
// transient so an integration gap degrades to a bounded retry, not a crash
// loop.
func Classification(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// KindForHTTPStatus maps an HTTP status code onto the taxonomy.
func KindForHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code >= 500 || code == http.StatusRequestTimeout:
		return KindTransient
	default:
		return KindNonRetryable
	}
}

var (
	// ErrBreakerOpen short-circuits calls while a dependency's breaker is
	// open. No network attempt is made.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrCooldownActive blocks calls while a durable rate-limit cooldown
	// is in effect.
	ErrCooldownActive = errors.New("rate limit cooldown active")
	// ErrRetryBudgetExhausted marks an item whose transient retries ran
	// out; the item moves to terminal failed.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)
