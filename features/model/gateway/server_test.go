package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/craftcard/craftcard/runtime/craft/model"
)

type stubProvider struct {
	err error
}

func (p stubProvider) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &model.Response{Content: "ok " + req.Model, Usage: model.TokenUsage{InputTokens: 3, OutputTokens: 5}}, nil
}

type recordingMetrics struct {
	counters map[string]float64
	timers   int
}

func (m *recordingMetrics) IncCounter(name string, v float64, _ ...string) {
	if m.counters == nil {
		m.counters = map[string]float64{}
	}
	m.counters[name] += v
}
func (m *recordingMetrics) RecordTimer(string, time.Duration, ...string) { m.timers++ }
func (m *recordingMetrics) RecordGauge(string, float64, ...string)       {}

func TestNewServerRequiresProvider(t *testing.T) {
	_, err := NewServer()
	require.ErrorIs(t, err, ErrProviderRequired)
}

func TestMiddlewareRunsInRegistrationOrder(t *testing.T) {
	var order []string
	mw := func(name string) UnaryMiddleware {
		return func(next UnaryHandler) UnaryHandler {
			return func(ctx context.Context, req *model.Request) (*model.Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	srv, err := NewServer(WithProvider(stubProvider{}), WithUnary(mw("outer"), nil, mw("inner")))
	require.NoError(t, err)

	resp, err := srv.Complete(context.Background(), &model.Request{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "ok m", resp.Content)
	require.Equal(t, []string{"outer", "inner"}, order)
	require.Equal(t, stubProvider{}, srv.Provider())
}

func TestWithClientWrapsRemainingChain(t *testing.T) {
	var seen string
	wrap := func(next model.Client) model.Client {
		return model.ClientFunc(func(ctx context.Context, req *model.Request) (*model.Response, error) {
			seen = req.Model
			return next.Complete(ctx, req)
		})
	}
	srv, err := NewServer(WithProvider(stubProvider{}), WithClient(wrap))
	require.NoError(t, err)
	_, err = srv.Complete(context.Background(), &model.Request{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "m", seen)
}

func TestMetricsRecordsUsageAndFailures(t *testing.T) {
	m := &recordingMetrics{}
	srv, err := NewServer(WithProvider(stubProvider{}), WithUnary(Logging("p"), Metrics("p", m)))
	require.NoError(t, err)
	_, err = srv.Complete(context.Background(), &model.Request{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, 3.0, m.counters["craft.model.input_tokens"])
	require.Equal(t, 5.0, m.counters["craft.model.output_tokens"])

	failing, err := NewServer(WithProvider(stubProvider{err: errors.New("boom")}), WithUnary(Logging("p"), Metrics("p", m)))
	require.NoError(t, err)
	_, err = failing.Complete(context.Background(), &model.Request{Model: "m"})
	require.EqualError(t, err, "boom")
	require.Equal(t, 1.0, m.counters["craft.model.failures"])
	require.Equal(t, 2, m.timers)
}

func TestMetricsNilIsSkipped(t *testing.T) {
	require.Nil(t, Metrics("p", nil))
}
