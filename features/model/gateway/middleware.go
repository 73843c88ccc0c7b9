package gateway

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/craftcard/craftcard/runtime/craft/model"
	"github.com/craftcard/craftcard/runtime/craft/telemetry"
)

// Logging logs every completion with its provider, model, latency and token
// usage. Failures are logged at error level.
func Logging(provider string) UnaryMiddleware {
	return func(next UnaryHandler) UnaryHandler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []log.Fielder{
				log.KV{K: "provider", V: provider},
				log.KV{K: "model", V: req.Model},
				log.KV{K: "duration_ms", V: time.Since(start).Milliseconds()},
			}
			if err != nil {
				log.Error(ctx, err, fields...)
				return nil, err
			}
			fields = append(fields,
				log.KV{K: "input_tokens", V: resp.Usage.InputTokens},
				log.KV{K: "output_tokens", V: resp.Usage.OutputTokens},
			)
			log.Debug(ctx, fields...)
			return resp, nil
		}
	}
}

// Metrics records completion latency, token usage and failures.
func Metrics(provider string, m telemetry.Metrics) UnaryMiddleware {
	if m == nil {
		return nil
	}
	return func(next UnaryHandler) UnaryHandler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			tags := []string{"provider", provider, "model", req.Model}
			m.RecordTimer("craft.model.duration", time.Since(start), tags...)
			if err != nil {
				m.IncCounter("craft.model.failures", 1, tags...)
				return nil, err
			}
			m.IncCounter("craft.model.input_tokens", float64(resp.Usage.InputTokens), tags...)
			m.IncCounter("craft.model.output_tokens", float64(resp.Usage.OutputTokens), tags...)
			return resp, nil
		}
	}
}
