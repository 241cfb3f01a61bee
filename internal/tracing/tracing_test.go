package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProviderRecordsNothing(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "jobwatch"}, nil)
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer().Start(context.Background(), "tick")
	if span.IsRecording() {
		t.Error("Expected a non-recording span when tracing is disabled")
	}
	span.End()
}

func TestHTTPMiddlewareRecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	p := NewProvider(tp, "test")
	defer p.Shutdown(context.Background())

	handler := HTTPMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", w.Code)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /status" {
		t.Errorf("Unexpected span name %q", spans[0].Name)
	}

	found := false
	for _, attr := range spans[0].Attributes {
		if attr.Key == "http.status_code" && attr.Value.AsInt64() == http.StatusTeapot {
			found = true
		}
	}
	if !found {
		t.Error("Expected http.status_code attribute")
	}
}
