package discord

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	ErrNotFound  = errors.New("discord: not found")
	ErrForbidden = errors.New("discord: forbidden")
	// ErrUnavailable is returned when a lookup needs the REST API but no bot token is configured.
	ErrUnavailable = errors.New("discord: no bot token configured")
)

// RateLimitError is returned when Discord answered 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("discord: rate limited, retry after %s", e.RetryAfter)
}

// UpstreamError carries the HTTP status of a failed Discord call, zero when
// the call never got a response.
type UpstreamError struct {
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("discord: %v", e.Err)
	}
	return fmt.Sprintf("discord: HTTP %d: %v", e.Status, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// classify maps discordgo errors onto this package's error types.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		var retryAfter time.Duration
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			retryAfter = rl.RetryAfter
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound:
			return &UpstreamError{Status: http.StatusNotFound, Err: ErrNotFound}
		case http.StatusForbidden:
			return &UpstreamError{Status: http.StatusForbidden, Err: ErrForbidden}
		case http.StatusTooManyRequests:
			return &RateLimitError{RetryAfter: retryAfterHeader(rest.Response.Header)}
		default:
			return &UpstreamError{Status: rest.Response.StatusCode, Err: err}
		}
	}

	return &UpstreamError{Err: err}
}

// retryAfterHeader reads a Retry-After header expressed in (possibly
// fractional) seconds.
func retryAfterHeader(h http.Header) time.Duration {
	seconds, err := strconv.ParseFloat(h.Get("Retry-After"), 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
