// Package middleware provides model.Client wrappers shared by every provider
// adapter. The main one is an adaptive tokens-per-minute throttle that keeps
// concurrent crafting runs from tripping provider quotas.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"github.com/craftcard/craftcard/runtime/craft/model"
)

const (
	// DefaultTPM is the budget used when a Throttle is configured without one.
	DefaultTPM = 60000

	// promptOverhead is added to every estimate to account for the system
	// prompts and schema instructions the stages prepend.
	promptOverhead = 500

	sharedUpdateTimeout = 2 * time.Second
	sharedUpdateTries   = 3
)

type (
	// Throttle is an AIMD token bucket placed in front of a model.Client. Each
	// call waits for an estimated token cost; a rate-limited response halves
	// the budget and a successful one raises it by a fixed step.
	//
	// When backed by a Pulse replicated map the budget is shared: every
	// process adjusts the same key and reconciles its local bucket when the
	// key changes.
	Throttle struct {
		mu      sync.Mutex
		bucket  *rate.Limiter
		tpm     float64
		floor   float64
		ceiling float64
		step    float64

		// shared is nil for process-local throttles.
		shared sharedBudget
		key    string
	}

	// ThrottleOptions configures a Throttle.
	ThrottleOptions struct {
		// TPM is the starting tokens-per-minute budget.
		TPM float64
		// MaxTPM caps recovery. Defaults to TPM.
		MaxTPM float64
		// Map shares the budget across processes when set together with Key.
		Map *rmap.Map
		// Key names the shared budget entry, typically the model name.
		Key string
	}

	throttledClient struct {
		next     model.Client
		throttle *Throttle
	}

	// sharedBudget is the subset of rmap.Map used to share a budget.
	sharedBudget interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

// NewThrottle builds a Throttle. A nil Map or empty Key yields a
// process-local throttle.
func NewThrottle(ctx context.Context, opts ThrottleOptions) *Throttle {
	var shared sharedBudget
	if opts.Map != nil {
		shared = opts.Map
	}
	return newThrottle(ctx, shared, opts.Key, opts.TPM, opts.MaxTPM)
}

func newLocalThrottle(tpm, maxTPM float64) *Throttle {
	if tpm <= 0 {
		tpm = DefaultTPM
	}
	if maxTPM < tpm {
		maxTPM = tpm
	}
	return &Throttle{
		bucket:  rate.NewLimiter(rate.Limit(tpm/60.0), int(tpm)),
		tpm:     tpm,
		floor:   max(tpm*0.1, 1),
		ceiling: maxTPM,
		step:    max(tpm*0.05, 1),
	}
}

func newThrottle(ctx context.Context, shared sharedBudget, key string, tpm, maxTPM float64) *Throttle {
	if shared == nil || key == "" {
		return newLocalThrottle(tpm, maxTPM)
	}
	if _, ok := shared.Get(key); !ok {
		if _, err := shared.SetIfNotExists(ctx, key, formatTPM(tpm)); err != nil {
			return newLocalThrottle(tpm, maxTPM)
		}
	}
	if cur, ok := parseTPM(shared.Get(key)); ok {
		tpm = cur
	}
	t := newLocalThrottle(tpm, maxTPM)
	t.shared = shared
	t.key = key

	events := shared.Subscribe()
	go func() {
		for range events {
			if cur, ok := parseTPM(shared.Get(key)); ok {
				t.set(cur)
			}
		}
	}()
	return t
}

// Wrap returns next guarded by the throttle.
func (t *Throttle) Wrap(next model.Client) model.Client {
	if next == nil {
		return nil
	}
	return &throttledClient{next: next, throttle: t}
}

// TPM returns the current tokens-per-minute budget.
func (t *Throttle) TPM() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tpm
}

func (c *throttledClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.throttle.wait(ctx, estimateTokens(req)); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	switch {
	case err == nil:
		c.throttle.increase()
	case errors.Is(err, model.ErrRateLimited):
		c.throttle.decrease()
	}
	return resp, err
}

// wait blocks until n tokens are available. Requests larger than the current
// burst are charged the full burst so a halved budget cannot reject them.
func (t *Throttle) wait(ctx context.Context, n int) error {
	if b := t.bucket.Burst(); b > 0 && n > b {
		n = b
	}
	return t.bucket.WaitN(ctx, n)
}

func (t *Throttle) decrease() {
	t.mu.Lock()
	changed := t.apply(t.tpm * 0.5)
	t.mu.Unlock()
	if changed && t.shared != nil {
		go t.updateShared(func(cur float64) float64 { return max(cur*0.5, t.floor) })
	}
}

func (t *Throttle) increase() {
	t.mu.Lock()
	changed := t.apply(t.tpm + t.step)
	t.mu.Unlock()
	if changed && t.shared != nil {
		go t.updateShared(func(cur float64) float64 { return min(cur+t.step, t.ceiling) })
	}
}

func (t *Throttle) set(tpm float64) {
	t.mu.Lock()
	t.apply(tpm)
	t.mu.Unlock()
}

// apply clamps tpm into range and resizes the bucket. Callers hold mu.
func (t *Throttle) apply(tpm float64) bool {
	tpm = min(max(tpm, t.floor), t.ceiling)
	if tpm == t.tpm {
		return false
	}
	t.tpm = tpm
	t.bucket.SetLimit(rate.Limit(tpm / 60.0))
	t.bucket.SetBurst(int(tpm))
	return true
}

// updateShared applies next to the shared entry with compare-and-swap,
// retrying a few times when another process wins the race.
func (t *Throttle) updateShared(next func(cur float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), sharedUpdateTimeout)
	defer cancel()
	for range sharedUpdateTries {
		raw, ok := t.shared.Get(t.key)
		if !ok {
			return
		}
		cur, ok := parseTPM(raw, true)
		if !ok {
			return
		}
		want := formatTPM(next(cur))
		if want == raw {
			return
		}
		prev, err := t.shared.TestAndSet(ctx, t.key, raw, want)
		if err != nil || prev == raw {
			return
		}
	}
}

// estimateTokens approximates the prompt size at one token per three
// characters plus a fixed overhead.
func estimateTokens(req *model.Request) int {
	chars := 0
	if req != nil {
		for _, m := range req.Messages {
			chars += len(m.Content)
		}
	}
	return chars/3 + promptOverhead
}

func formatTPM(v float64) string { return strconv.Itoa(int(v)) }

func parseTPM(raw string, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
