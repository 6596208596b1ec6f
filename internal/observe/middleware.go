package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID of every traced response.
const CorrelationHeader = "X-Correlation-ID"

// unmatchedRoute labels requests that no mux pattern matched.
const unmatchedRoute = "unmatched"

// responseWriter records the status written downstream and whether the
// connection was taken over by a websocket upgrade.
type responseWriter struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T cannot be hijacked", w.ResponseWriter)
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.hijacked = true
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *responseWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// MiddlewareOption tunes [Middleware].
type MiddlewareOption func(*middleware)

// WithQuietPaths lists request paths, such as probes and the metrics
// endpoint, that are logged at debug level instead of info.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(mw *middleware) {
		for _, p := range paths {
			mw.quiet[p] = struct{}{}
		}
	}
}

// WithMiddlewareLogger sets the logger. Default: slog.Default().
func WithMiddlewareLogger(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) { mw.log = l }
}

type middleware struct {
	m     *Metrics
	log   *slog.Logger
	quiet map[string]struct{}
}

// Middleware traces every request, echoes its trace ID in
// [CorrelationHeader] and logs its outcome. Plain requests are recorded in
// [Metrics.HTTPRequestDuration] labelled by the matched mux pattern.
// Websocket upgrades stay open for the life of the connection, so they are
// kept out of the latency histogram and logged once when the connection ends.
//
// The handler must be a [http.ServeMux] (or wrap one) for the route label to
// be filled in; otherwise every request is labelled "unmatched".
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{m: m, quiet: make(map[string]struct{})}
	for _, o := range opts {
		o(mw)
	}
	if mw.log == nil {
		mw.log = slog.Default()
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := StartSpan(ctx, r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		if cid := CorrelationID(ctx); cid != "" {
			w.Header().Set(CorrelationHeader, cid)
		}

		rw := &responseWriter{ResponseWriter: w}
		r = r.WithContext(ctx)
		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = unmatchedRoute
		}
		status := rw.code()
		elapsed := time.Since(start)

		span.SetName(spanName(r.Method, route))
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		log := WithTrace(ctx, mw.log)
		if rw.hijacked {
			log.LogAttrs(ctx, slog.LevelInfo, "websocket closed",
				slog.String("route", route),
				slog.String("remote", r.RemoteAddr),
				slog.Duration("lifetime", elapsed),
			)
			return
		}

		mw.m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.Int("status", status),
			),
		)

		level := slog.LevelInfo
		if _, ok := mw.quiet[r.URL.Path]; ok {
			level = slog.LevelDebug
		}
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.LogAttrs(ctx, level, "request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
		)
	})
}

// spanName is the route pattern, prefixed with the method unless the pattern
// already names one.
func spanName(method, route string) string {
	if strings.HasPrefix(route, method+" ") {
		return route
	}
	return method + " " + route
}
