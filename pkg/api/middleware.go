package api

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

// withRequestID assigns every request an id and a logger carrying it.
// A well-formed id supplied by the client is kept.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if len(id) > 64 || !utils.ValidID(id) {
			id = uuid.NewString()
		}
		r.Header.Set(RequestIDHeader, id)
		w.Header().Set(RequestIDHeader, id)

		l := logger.Ctx(r.Context()).With().Str("request_id", id).Logger()
		ctx := logger.WithLogger(r.Context(), &l)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAccessLog logs and measures every request once it has been served.
func withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &wrappedResponseRecorder{ResponseWriter: w}

		defer func() {
			status := rec.statusCode
			if status == 0 {
				status = http.StatusOK
			}
			// A client hanging up is not a server error.
			if status == http.StatusInternalServerError && errors.Is(r.Context().Err(), context.Canceled) {
				status = 499
			}
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			took := time.Since(start)
			code := strconv.Itoa(status)
			requestsTotal.WithLabelValues(route, code).Inc()
			requestDuration.WithLabelValues(route).Observe(took.Seconds())

			ev := logger.Ctx(r.Context()).Info()
			if status >= http.StatusInternalServerError {
				ev = logger.Ctx(r.Context()).Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", status).
				Int64("bytes", rec.bytesWritten).
				Int64("content_length", r.ContentLength).
				Str("remote", r.RemoteAddr).
				Str("user_agent", r.UserAgent()).
				Dur("took", took).
				Msg("access")
		}()

		next.ServeHTTP(rec, r)
	})
}

// withRecovery turns a handler panic into a 500 and reports it.
func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			panicsTotal.Inc()
			sentry.CurrentHub().Recover(rec)
			logger.Ctx(r.Context()).Error().
				Interface("panic", rec).
				Str("path", r.URL.Path).
				Bytes("stack", debug.Stack()).
				Msg("handler panic")

			if rw, ok := w.(*wrappedResponseRecorder); ok && rw.wroteHeader {
				return
			}
			writeJSON(w, ErrorResponse{
				Error:     "internal server error",
				Code:      "internal",
				RequestID: r.Header.Get(RequestIDHeader),
			}, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}
