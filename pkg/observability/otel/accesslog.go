package otelobs

import (
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// AccessLogMiddleware logs one compact line per request with trace_id and
// span_id when a span is active, and mirrors them into response headers
// for correlation.
func AccessLogMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(404) })
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := trace.SpanContextFromContext(r.Context())
		traceID, spanID := "-", "-"
		if sc.IsValid() {
			traceID = sc.TraceID().String()
			spanID = sc.SpanID().String()
			w.Header().Set("Trace-Id", traceID)
			w.Header().Set("Span-Id", spanID)
		}
		sr := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(sr, r)
		log.Printf("access method=%s path=%s status=%d dur_ms=%d trace_id=%s span_id=%s",
			r.Method, r.URL.Path, sr.status, time.Since(start).Milliseconds(), traceID, spanID)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
