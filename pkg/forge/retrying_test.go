package forge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepalive/pkg/errclass"
	"keepalive/pkg/forge"
	"keepalive/pkg/retry"
	"keepalive/pkg/testkit"
)

// flakyForge fails GetPR a set number of times, then delegates.
type flakyForge struct {
	*testkit.FakeForge
	failures int
	calls    int
}

func (f *flakyForge) GetPR(ctx context.Context, number int) (*forge.PullRequest, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("read tcp: connection reset by peer")
	}
	return f.FakeForge.GetPR(ctx, number)
}

func fastExecutor() *retry.Executor {
	return retry.New(retry.Config{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		Jitter:    false,
	})
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	inner := &flakyForge{FakeForge: testkit.NewFakeForge(), failures: 2}
	client := forge.NewRetrying(inner, fastExecutor())

	pr, err := client.GetPR(context.Background(), 7)

	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingDoesNotRetryAuthFailures(t *testing.T) {
	inner := testkit.NewFakeForge()
	inner.Errs["CreateComment"] = errors.New("401 bad credentials")
	client := forge.NewRetrying(inner, fastExecutor())

	_, err := client.CreateComment(context.Background(), 7, "hello")

	require.Error(t, err)
	assert.Equal(t, errclass.CategoryAuth, errclass.CategoryOf(err))
	assert.Equal(t, 1, inner.Calls["CreateComment"], "auth failures propagate immediately")
}

func TestRetryingBoundsWriteAttempts(t *testing.T) {
	inner := testkit.NewFakeForge()
	inner.Errs["UpdateComment"] = errors.New("temporary failure in name resolution")
	client := forge.NewRetrying(inner, fastExecutor())

	_, err := client.UpdateComment(context.Background(), 1001, "body")

	require.Error(t, err)
	assert.Equal(t, 3, inner.Calls["UpdateComment"], "writes get one initial try plus two retries")
	assert.Equal(t, errclass.CategoryTransient, errclass.CategoryOf(err))
}

func TestRetryingBoundsLabelAttempts(t *testing.T) {
	inner := testkit.NewFakeForge()
	inner.Errs["AddLabels"] = errors.New("connection refused")
	client := forge.NewRetrying(inner, fastExecutor())

	err := client.AddLabels(context.Background(), 7, []string{"agent:retry"})

	require.Error(t, err)
	assert.Equal(t, 2, inner.Calls["AddLabels"], "label mutations get a single retry")
}

func TestRetryingPassesThroughSuccess(t *testing.T) {
	inner := testkit.NewFakeForge()
	inner.SeedComment("first", "octocat")
	client := forge.NewRetrying(inner, fastExecutor())

	comments, err := client.ListComments(context.Background(), 7)

	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "first", comments[0].Body)
}
