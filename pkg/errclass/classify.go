package errclass

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
)

// Pattern groups, matched in order against lowercased messages. Status codes
// take precedence over all of them.
var (
	rateLimitPatterns = []string{
		"api rate limit exceeded",
		"secondary rate limit",
		"rate limit",
		"abuse detection",
		"too many requests",
		"quota exhausted",
		"retry-after",
	}

	// Dirty-workspace output from an agent run denotes an infrastructure
	// artefact (a stale checkout), not agent misbehaviour. Classifying it
	// transient keeps the consecutive-failure counter honest.
	dirtyWorkspacePatterns = []string{
		"unexpected changes",
		"untracked files",
		"uncommitted changes",
		"how would you like me to proceed",
		"working tree is dirty",
		"dirty workspace",
	}

	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"broken pipe",
		"temporary failure",
		"network is unreachable",
		"no such host",
		"tls handshake",
		"eof",
		"service unavailable",
		"bad gateway",
	}

	credentialPatterns = []string{
		"bad credentials",
		"unauthorized",
		"authentication failed",
		"token expired",
		"requires authentication",
		"permission denied",
		"api key",
		"saml enforcement",
	}

	notFoundPatterns = []string{
		"not found",
		"no such",
		"does not exist",
		"has been deleted",
		"gone",
	}

	validationPatterns = []string{
		"validation failed",
		"unprocessable",
		"invalid request",
		"malformed",
		"required field",
		"schema",
	}
)

// IsRateLimit reports whether an error is a rate-limit rejection rather than
// some other transient failure. The summary renderer branches on this to fail
// the step with structured outputs instead of retrying.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	ce := Classify(err)
	if ce.Category != CategoryTransient {
		return false
	}
	if ce.StatusCode == http.StatusTooManyRequests || !ce.ResetAt.IsZero() || ce.RetryAfter > 0 {
		return true
	}
	return matchAny(strings.ToLower(ce.Message), rateLimitPatterns)
}

// Classify maps an arbitrary error to a category plus recovery hint. Already
// classified errors pass through unchanged. go-github typed errors contribute
// their status codes and rate-limit metadata.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewWithCause(CategoryTransient, err, "request interrupted: "+err.Error())
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		ce := NewWithStatus(CategoryTransient, http.StatusForbidden, rateErr.Message)
		ce.Err = err
		ce.ResetAt = rateErr.Rate.Reset.Time
		ce.Hint = "Primary rate-limit window exhausted; wait for reset or switch to a fallback credential."
		return ce
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		ce := NewWithStatus(CategoryTransient, http.StatusForbidden, abuseErr.Message)
		ce.Err = err
		if abuseErr.RetryAfter != nil {
			ce.RetryAfter = *abuseErr.RetryAfter
		}
		ce.Hint = "Secondary rate limit tripped; back off before the next write."
		return ce
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		status := 0
		var headers http.Header
		if ghErr.Response != nil {
			status = ghErr.Response.StatusCode
			headers = ghErr.Response.Header
		}
		return ClassifyResponse(status, ghErr.Message, headers, err)
	}

	return ClassifyResponse(0, err.Error(), nil, err)
}

// ClassifyResponse classifies from raw response parts. Status code rules win;
// message pattern groups break ties and cover status-less errors.
func ClassifyResponse(status int, message string, headers http.Header, cause error) *Error {
	ce := classifyParts(status, message)
	ce.Err = cause
	ce.StatusCode = status
	applyRateHeaders(ce, headers)
	return ce
}

func classifyParts(status int, message string) *Error {
	lower := strings.ToLower(message)

	switch {
	case status == http.StatusUnauthorized:
		return NewWithStatus(CategoryAuth, status, message)
	case status == http.StatusForbidden:
		// 403 is ambiguous: GitHub uses it for both rate limiting and
		// permission failures. The message decides.
		if matchAny(lower, rateLimitPatterns) {
			ce := NewWithStatus(CategoryTransient, status, message)
			ce.Hint = "Rate limited; wait for the window to reset or use a fallback credential."
			return ce
		}
		return NewWithStatus(CategoryAuth, status, message)
	case status == http.StatusNotFound || status == http.StatusGone:
		return NewWithStatus(CategoryResource, status, message)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return NewWithStatus(CategoryTransient, status, message)
	case status == http.StatusBadRequest || status == http.StatusConflict ||
		status == http.StatusPreconditionFailed || status == http.StatusUnprocessableEntity:
		return NewWithStatus(CategoryLogic, status, message)
	}

	switch {
	case matchAny(lower, rateLimitPatterns):
		ce := New(CategoryTransient, message)
		ce.Hint = "Rate limited; wait for the window to reset or use a fallback credential."
		return ce
	case matchAny(lower, dirtyWorkspacePatterns):
		ce := New(CategoryTransient, message)
		ce.Hint = "Stale workspace from a previous run; the next run starts from a fresh checkout."
		return ce
	case matchAny(lower, timeoutPatterns):
		ce := New(CategoryTransient, message)
		ce.Hint = "Network or upstream flake; safe to retry."
		return ce
	case matchAny(lower, credentialPatterns):
		return New(CategoryAuth, message)
	case matchAny(lower, notFoundPatterns):
		return New(CategoryResource, message)
	case matchAny(lower, validationPatterns):
		return New(CategoryLogic, message)
	}

	return New(CategoryUnknown, message)
}

func applyRateHeaders(ce *Error, headers http.Header) {
	if headers == nil {
		return
	}
	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			ce.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	if remaining := headers.Get("X-RateLimit-Remaining"); remaining == "0" {
		if reset := headers.Get("X-RateLimit-Reset"); reset != "" {
			if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil && epoch > 0 {
				ce.ResetAt = time.Unix(epoch, 0)
			}
		}
	}
}

func matchAny(lower string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
