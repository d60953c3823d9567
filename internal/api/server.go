// Package api is the HTTP control surface: tagged control requests, the
// SSE pose stream and read-only status endpoints.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/mocap/internal/actuator"
	"github.com/banshee-data/mocap/internal/mocap/l6tracking"
	"github.com/banshee-data/mocap/internal/mocap/pipeline"
	"github.com/banshee-data/mocap/internal/mocap/session"
	"github.com/banshee-data/mocap/internal/mocap/visualiser"
	"github.com/banshee-data/mocap/internal/monitoring"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Deps are the components the API drives.
type Deps struct {
	Rig        *session.Rig
	Calibrator *pipeline.Calibrator
	Tracker    *l6tracking.Tracker
	Publisher  *visualiser.Publisher
	Actuator   *actuator.Link
}

// Server serves the control API. Long-lived work it starts (tracking) is
// bound to the context given to NewServer, not to the request.
type Server struct {
	ctx context.Context
	Deps
}

// NewServer returns a server whose background work stops with ctx.
func NewServer(ctx context.Context, deps Deps) *Server {
	return &Server{ctx: ctx, Deps: deps}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/control", s.handleControl)
	mux.HandleFunc("/api/poses", s.streamPoses)
	mux.HandleFunc("/api/session", s.showSession)
	mux.HandleFunc("/api/rate", s.showRate)
	mux.HandleFunc("/api/runs", s.listRuns)
	return mux
}
