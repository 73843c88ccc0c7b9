package middleware

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"github.com/craftcard/craftcard/runtime/craft/model"
)

type fakeClient struct {
	err   error
	calls int
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.Response{Content: "ok"}, nil
}

func userRequest(text string) *model.Request {
	return &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: text}}}
}

func TestThrottleBacksOffOnRateLimited(t *testing.T) {
	th := newLocalThrottle(60000, 60000)
	wrapped := th.Wrap(&fakeClient{err: &model.ProviderError{Provider: "p", Kind: model.ProviderErrorKindRateLimited}})

	_, err := wrapped.Complete(context.Background(), userRequest("hello"))
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.InDelta(t, 30000, th.TPM(), 0.1)
}

func TestThrottleRecoversOnSuccess(t *testing.T) {
	th := newLocalThrottle(60000, 120000)
	wrapped := th.Wrap(&fakeClient{})

	resp, err := wrapped.Complete(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
	require.InDelta(t, 63000, th.TPM(), 0.1)
}

func TestThrottleNeverDropsBelowFloor(t *testing.T) {
	th := newLocalThrottle(1000, 1000)
	for range 10 {
		th.decrease()
	}
	require.InDelta(t, 100, th.TPM(), 0.1)
	require.InDelta(t, 100.0/60.0, float64(th.bucket.Limit()), 0.001)
	require.Equal(t, 100, th.bucket.Burst())
}

func TestThrottleRespectsContextWhenQueued(t *testing.T) {
	th := newLocalThrottle(60, 60)
	th.bucket = rate.NewLimiter(0, 0)
	next := &fakeClient{}
	wrapped := th.Wrap(next)

	_, err := wrapped.Complete(context.Background(), userRequest(strings.Repeat("a", 600)))
	require.Error(t, err)
	require.Zero(t, next.calls)
}

func TestThrottleWrapNil(t *testing.T) {
	require.Nil(t, newLocalThrottle(0, 0).Wrap(nil))
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTokens(userRequest("short"))
	big := estimateTokens(userRequest("this is a much longer message"))
	require.Positive(t, small)
	require.Greater(t, big, small)
	require.Equal(t, promptOverhead, estimateTokens(nil))
}

type fakeSharedBudget struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeSharedBudget() *fakeSharedBudget {
	return &fakeSharedBudget{values: make(map[string]string), ch: make(chan rmap.EventKind, 1)}
}

func (m *fakeSharedBudget) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeSharedBudget) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.notify()
	return true, nil
}

func (m *fakeSharedBudget) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	m.notify()
	return cur, nil
}

func (m *fakeSharedBudget) Subscribe() <-chan rmap.EventKind { return m.ch }

func (m *fakeSharedBudget) notify() {
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
}

func TestSharedThrottleSeedsAndAdoptsBudget(t *testing.T) {
	m := newFakeSharedBudget()
	m.values["gpt-4o"] = "20000"

	th := newThrottle(context.Background(), m, "gpt-4o", 80000, 80000)
	require.InDelta(t, 20000, th.TPM(), 0.1)

	empty := newFakeSharedBudget()
	newThrottle(context.Background(), empty, "claude", 5000, 5000)
	v, ok := empty.Get("claude")
	require.True(t, ok)
	require.Equal(t, "5000", v)
}

func TestSharedThrottleBackoffUpdatesMap(t *testing.T) {
	m := newFakeSharedBudget()
	m.values["model"] = strconv.Itoa(80000)

	th := newThrottle(context.Background(), m, "model", 80000, 80000)
	wrapped := th.Wrap(&fakeClient{err: model.ErrRateLimited})
	_, _ = wrapped.Complete(context.Background(), userRequest("hello"))

	require.Eventually(t, func() bool {
		v, _ := m.Get("model")
		cur, err := strconv.Atoi(v)
		return err == nil && cur < 80000
	}, time.Second, 5*time.Millisecond)
}

func TestSharedThrottleReconcilesExternalChange(t *testing.T) {
	m := newFakeSharedBudget()
	m.values["model"] = "60000"
	th := newThrottle(context.Background(), m, "model", 60000, 60000)

	_, err := m.TestAndSet(context.Background(), "model", "60000", "12000")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return th.TPM() == 12000
	}, time.Second, 5*time.Millisecond)
}
