package sse

import (
	"context"
	"errors"
	"net/http"
	"time"

	"goa.design/clue/log"

	"github.com/craftcard/craftcard/crafter"
	"github.com/craftcard/craftcard/runtime/craft/event"
	"github.com/craftcard/craftcard/runtime/craft/run"
)

// craft answers with an SSE stream. Headers are only sent once the first
// event is available so that errors raised before the run starts keep a
// plain JSON status response.
func (s *Server) craft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body craftBody
	if err := s.dec(r).Decode(&body); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	runID := crafter.NewRunID()
	ctx = log.With(ctx, log.KV{K: "run_id", V: runID})
	req := crafter.CraftRequest{
		RunID:           runID,
		SessionID:       body.SessionID,
		Message:         body.Message,
		Model:           body.Model,
		ClarifyEnabled:  body.ClarifyEnabled,
		MaxLoopCount:    body.MaxLoopCount,
		MaxClarifyTurns: body.MaxClarifyTurns,
		ExpandEvents:    body.ExpandEvents,
	}

	rc := http.NewResponseController(w)
	started := false
	for ev, err := range s.svc.Craft(ctx, req) {
		if err != nil {
			if !started {
				s.writeError(ctx, w, statusFor(err), err)
				return
			}
			if werr := event.WriteError(w, err); werr != nil {
				log.Error(ctx, werr, log.KV{K: "msg", V: "write error frame"})
			}
			_ = rc.Flush()
			return
		}
		if !started {
			startStream(w, runID)
			started = true
		}
		if err := event.WriteSSE(w, ev); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "write event"})
			return
		}
		_ = rc.Flush()
	}
	if started {
		_ = event.WriteDone(w)
		_ = rc.Flush()
	}
}

// follow replays the mirrored events of a run. The stream ends once the run
// record is final and every event it counts has been delivered.
func (s *Server) follow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := s.vars(r)["id"]
	rec, err := s.svc.Run(ctx, runID)
	switch {
	case errors.Is(err, run.ErrNotFound):
		s.writeError(ctx, w, http.StatusNotFound, err)
		return
	case err != nil:
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}
	envs, errs, cancel, err := s.follower.Subscribe(ctx, runID)
	if err != nil {
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}
	defer cancel()

	rc := http.NewResponseController(w)
	startStream(w, runID)
	if rec.Status.Terminal() && rec.Events == 0 {
		s.finish(ctx, w, rec)
		_ = rc.Flush()
		return
	}
	_ = rc.Flush()
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()
	delivered := 0
	done := func() bool {
		rec, err := s.svc.Run(ctx, runID)
		if err != nil || !rec.Status.Terminal() || delivered < rec.Events {
			return false
		}
		s.finish(ctx, w, rec)
		_ = rc.Flush()
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if done() {
				return
			}
		case err, ok := <-errs:
			if ok && err != nil {
				_ = event.WriteError(w, err)
				_ = rc.Flush()
				return
			}
			errs = nil
		case env, ok := <-envs:
			if !ok {
				return
			}
			if err := event.WriteSSE(w, env.Payload); err != nil {
				return
			}
			_ = rc.Flush()
			delivered++
			if done() {
				return
			}
		}
	}
}

func (s *Server) finish(ctx context.Context, w http.ResponseWriter, rec run.Record) {
	if rec.Status == run.StatusFailed || rec.Status == run.StatusCanceled {
		cause := errors.New(rec.Error)
		if rec.Error == "" {
			cause = errors.New("run " + string(rec.Status))
		}
		if err := event.WriteError(w, cause); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "write error frame"})
		}
		return
	}
	_ = event.WriteDone(w)
}

func startStream(w http.ResponseWriter, runID string) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set(RunIDHeader, runID)
	w.WriteHeader(http.StatusOK)
}
