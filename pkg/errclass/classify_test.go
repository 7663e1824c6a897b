package errclass

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		message  string
		expected Category
	}{
		{"401 is auth", 401, "Bad credentials", CategoryAuth},
		{"403 with rate limit message is transient", 403, "API rate limit exceeded for installation", CategoryTransient},
		{"403 with abuse message is transient", 403, "You have triggered an abuse detection mechanism", CategoryTransient},
		{"403 without rate message is auth", 403, "Bad credentials", CategoryAuth},
		{"403 plain forbidden is auth", 403, "Resource not accessible by integration", CategoryAuth},
		{"404 is resource", 404, "Not Found", CategoryResource},
		{"410 is resource", 410, "This repository was archived", CategoryResource},
		{"408 is transient", 408, "Request Timeout", CategoryTransient},
		{"429 is transient", 429, "Too Many Requests", CategoryTransient},
		{"500 is transient", 500, "Internal Server Error", CategoryTransient},
		{"502 is transient", 502, "Bad Gateway", CategoryTransient},
		{"400 is logic", 400, "Problems parsing JSON", CategoryLogic},
		{"409 is logic", 409, "Merge conflict", CategoryLogic},
		{"412 is logic", 412, "Precondition Failed", CategoryLogic},
		{"422 is logic", 422, "Validation Failed", CategoryLogic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := ClassifyResponse(tt.status, tt.message, nil, nil)
			assert.Equal(t, tt.expected, ce.Category)
			assert.Equal(t, tt.status, ce.StatusCode)
			assert.NotEmpty(t, ce.Hint)
		})
	}
}

func TestClassifyMessagePatterns(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		expected Category
	}{
		{"rate limit prose", "secondary rate limit hit, slow down", CategoryTransient},
		{"timeout", "dial tcp: i/o timeout", CategoryTransient},
		{"connection reset", "read: connection reset by peer", CategoryTransient},
		{"credentials", "authentication failed for user", CategoryAuth},
		{"not found", "branch does not exist", CategoryResource},
		{"validation", "validation failed: body too long", CategoryLogic},
		{"unclassified", "something odd happened", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := Classify(errors.New(tt.message))
			assert.Equal(t, tt.expected, ce.Category)
		})
	}
}

func TestClassifyDirtyWorkspaceIsTransient(t *testing.T) {
	// Agent output complaining about a stale checkout is infrastructure, not
	// agent misbehaviour: it must not feed the failure counter.
	messages := []string{
		"There are unexpected changes in the working directory",
		"untracked files present, how would you like me to proceed?",
		"cannot start: uncommitted changes detected",
	}
	for _, msg := range messages {
		ce := Classify(errors.New(msg))
		assert.Equal(t, CategoryTransient, ce.Category, "message: %s", msg)
		assert.True(t, ce.IsRetryable())
	}
}

func TestClassifyGitHubTypedErrors(t *testing.T) {
	t.Run("rate limit error carries reset", func(t *testing.T) {
		reset := time.Now().Add(10 * time.Minute).Truncate(time.Second)
		err := &github.RateLimitError{
			Rate:    github.Rate{Limit: 5000, Remaining: 0, Reset: github.Timestamp{Time: reset}},
			Message: "API rate limit exceeded",
		}
		ce := Classify(err)
		require.Equal(t, CategoryTransient, ce.Category)
		assert.Equal(t, reset, ce.ResetAt)
	})

	t.Run("abuse error carries retry-after", func(t *testing.T) {
		retryAfter := 30 * time.Second
		err := &github.AbuseRateLimitError{
			RetryAfter: &retryAfter,
			Message:    "You have exceeded a secondary rate limit",
		}
		ce := Classify(err)
		require.Equal(t, CategoryTransient, ce.Category)
		assert.Equal(t, retryAfter, ce.RetryAfter)
	})

	t.Run("error response uses status", func(t *testing.T) {
		err := &github.ErrorResponse{
			Response: &http.Response{StatusCode: 404, Header: http.Header{}},
			Message:  "Not Found",
		}
		ce := Classify(err)
		assert.Equal(t, CategoryResource, ce.Category)
		assert.Equal(t, 404, ce.StatusCode)
	})
}

func TestClassifyContextErrors(t *testing.T) {
	assert.Equal(t, CategoryTransient, Classify(context.DeadlineExceeded).Category)
	assert.Equal(t, CategoryTransient, Classify(context.Canceled).Category)
}

func TestClassifyPassThrough(t *testing.T) {
	original := New(CategoryLogic, "bad payload")
	wrapped := fmt.Errorf("saving state: %w", original)
	assert.Same(t, original, Classify(wrapped))
}

func TestRateHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "45")
	ce := ClassifyResponse(429, "slow down", headers, nil)
	assert.Equal(t, 45*time.Second, ce.RetryAfter)

	headers = http.Header{}
	headers.Set("X-RateLimit-Remaining", "0")
	headers.Set("X-RateLimit-Reset", "1700000000")
	ce = ClassifyResponse(403, "API rate limit exceeded", headers, nil)
	assert.Equal(t, time.Unix(1700000000, 0), ce.ResetAt)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, New(CategoryTransient, "flake").IsRetryable())
	assert.False(t, New(CategoryAuth, "bad token").IsRetryable())
	assert.False(t, New(CategoryResource, "gone").IsRetryable())
	assert.False(t, New(CategoryLogic, "invalid").IsRetryable())
	assert.False(t, New(CategoryUnknown, "???").IsRetryable())
}

func TestCategoryHelpers(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CategoryAuth, "bad token"))
	assert.True(t, Is(err, CategoryAuth))
	assert.False(t, Is(err, CategoryTransient))
	assert.Equal(t, CategoryAuth, CategoryOf(err))
	assert.Equal(t, CategoryUnknown, CategoryOf(errors.New("plain")))
	assert.NotEmpty(t, HintOf(err))
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "transient", CategoryTransient.String())
	assert.Equal(t, "auth", CategoryAuth.String())
	assert.Equal(t, "resource", CategoryResource.String())
	assert.Equal(t, "logic", CategoryLogic.String())
	assert.Equal(t, "unknown", CategoryUnknown.String())
}
