//go:build !otelotlp

package otelobs

import (
	"context"
	"net/http"
)

// InitTracer is a no-op by default. Build with -tags otelotlp to export
// spans over OTLP.
func InitTracer(serviceName string) func(context.Context) error {
	return func(context.Context) error { return nil }
}

// WrapHTTPHandler is a no-op by default. Build with -tags otelotlp to enable tracing.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler { return h }
