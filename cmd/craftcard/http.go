package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/craftcard/craftcard/features/transport/sse"
)

// handleHTTPServer starts the HTTP server and shuts it down when ctx is
// canceled.
func handleHTTPServer(ctx context.Context, addr string, srv *sse.Server, wg *sync.WaitGroup, errc chan error) {
	mux := goahttp.NewMuxer()
	srv.Mount(mux)
	for _, m := range srv.Mounts {
		log.Printf(ctx, "HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}

	// WriteTimeout stays unset: craft streams last as long as the run.
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(ctx, mux), ReadHeaderTimeout: time.Second * 60}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- httpSrv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
