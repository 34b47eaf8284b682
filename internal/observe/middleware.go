package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler. Unwrap lets [http.ResponseController]
// reach the underlying writer, which the WebSocket upgrade on /subtitles
// needs in order to hijack the connection.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// route reduces a request path to a low-cardinality metric attribute. All
// control verbs share one route, and unknown paths collapse to "other", so
// the duration histogram stays at a handful of series no matter what
// clients probe.
func route(path string) string {
	switch {
	case strings.HasPrefix(path, "/control/"):
		return "/control"
	case path == "/subtitles", path == "/status",
		path == "/healthz", path == "/readyz", path == "/metrics":
		return path
	default:
		return "other"
	}
}

// probeRoute reports whether the route is a health or scrape endpoint.
// Those fire every few seconds and are logged at debug so the interesting
// requests (control verbs, subscriber churn) stay visible at info.
func probeRoute(rt string) bool {
	return rt == "/healthz" || rt == "/readyz" || rt == "/metrics"
}

// Middleware wraps the subtitle server's HTTP surface with tracing,
// correlation IDs, and request metrics.
//
// Endpoints fall into two classes. Plain request/response endpoints
// (/status, /control/*, the probes) record their latency in
// [Metrics.HTTPRequestDuration]. The /subtitles WebSocket lives for the
// whole overlay session; folding sessions into the latency histogram would
// drown real request latencies, so those are logged as session durations
// instead. The X-Correlation-ID header matches the LogRef carried by error
// events, letting an overlay report be tied back to the server trace.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rt := route(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+rt,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(rt),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			elapsed := time.Since(start)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			if rt == "/subtitles" && rec.statusCode == http.StatusOK {
				slog.LogAttrs(ctx, slog.LevelInfo, "subtitle session ended",
					slog.String("trace_id", cid),
					slog.String("remote", r.RemoteAddr),
					slog.Duration("session", elapsed),
				)
				return
			}

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", rt),
				),
			)

			lvl := slog.LevelInfo
			if probeRoute(rt) {
				lvl = slog.LevelDebug
			}
			slog.LogAttrs(ctx, lvl, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
