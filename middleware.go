package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"

	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/metrics"
)

// middleware wraps the router with the handlers every request passes
// through.
func middleware(r http.Handler, trustProxy bool) http.Handler {
	h := recoveryHandler(r)
	h = handlers.LoggingHandler(os.Stdout, h)
	if trustProxy {
		h = handlers.ProxyHeaders(h)
	}
	return chimiddleware.RequestID(h)
}

func recoveryHandler(f http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rval := recover()
			if rval == nil {
				return
			}
			if rval == http.ErrAbortHandler {
				panic(rval)
			}
			err, ok := rval.(error)
			if !ok {
				err = fmt.Errorf("%v", rval)
			}
			logging.Error().Err(err).Str("path", r.URL.Path).
				Str("request_id", chimiddleware.GetReqID(r.Context())).Msg("recovered from panic")
			// The request itself is left out of the packet; it carries API keys.
			packet := raven.NewPacket(err.Error(), raven.NewException(err, raven.GetOrNewStacktrace(err, 2, 3, nil)))
			raven.Capture(packet, map[string]string{"path": r.URL.Path})
			w.WriteHeader(http.StatusInternalServerError)
		}()

		f.ServeHTTP(w, r)
	})
}

// metricsHandler times requests by their route pattern. It has to run
// inside the router for the pattern to be known.
func metricsHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.RecordAPIRequest(r.Method, route, status, time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}
