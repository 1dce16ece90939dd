package tracing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/onnwee/autocash/internal/middleware"
	"github.com/onnwee/autocash/internal/tracing"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return rec
}

// A redirect request produces one server span named by route template with
// application and database spans nested under it.
func TestEndToEndTracing(t *testing.T) {
	rec := installRecorder(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, endRedirect := tracing.StartSpan(r.Context(), "tracking.redirect")
		tracing.SetAttributes(ctx, attribute.String("link_id", "kindle-paperwhite"))

		_, endQuery := tracing.StartDBSpan(ctx, "affiliate_links", tracing.DBOperationQuery)
		endQuery(nil)

		tracing.AddEvent(ctx, "click_recorded")
		endRedirect(nil)

		http.Redirect(w, r, "https://example.com/p/1", http.StatusFound)
	})

	traced := middleware.Tracing("autocash")(handler)
	rr := httptest.NewRecorder()
	traced.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/go/kindle-paperwhite?utm_source=blog", nil))

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}

	spans := rec.Ended()
	byName := make(map[string]sdktrace.ReadOnlySpan, len(spans))
	for _, s := range spans {
		byName[s.Name()] = s
	}
	for _, name := range []string{"GET /go/{link_id}", "tracking.redirect", "query affiliate_links"} {
		if _, ok := byName[name]; !ok {
			t.Errorf("missing span %q (have %v)", name, keys(byName))
		}
	}
	if len(spans) != 3 {
		t.Errorf("expected 3 spans, got %d", len(spans))
	}

	server := byName["GET /go/{link_id}"]
	app := byName["tracking.redirect"]
	db := byName["query affiliate_links"]
	if server == nil || app == nil || db == nil {
		t.FailNow()
	}
	if app.Parent().SpanID() != server.SpanContext().SpanID() {
		t.Error("application span is not a child of the server span")
	}
	if db.Parent().SpanID() != app.SpanContext().SpanID() {
		t.Error("db span is not a child of the application span")
	}
	for _, s := range spans {
		if s.SpanContext().TraceID() != server.SpanContext().TraceID() {
			t.Errorf("span %q is on a different trace", s.Name())
		}
	}
}

func TestTracing_SkipsProbes(t *testing.T) {
	rec := installRecorder(t)
	traced := middleware.Tracing("autocash")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		traced.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if n := len(rec.Ended()); n != 0 {
		t.Errorf("expected no spans for probe endpoints, got %d", n)
	}
}

func TestTracingDisabled(t *testing.T) {
	provider, err := tracing.NewProvider(tracing.Config{ServiceName: "autocash"})
	if err != nil {
		t.Fatalf("failed to create disabled provider: %v", err)
	}
	if provider.IsEnabled() {
		t.Error("expected tracing to be disabled")
	}

	ctx, end := tracing.StartSpan(context.Background(), "retention.sweep")
	tracing.SetAttributes(ctx, attribute.Int("deleted", 3))
	tracing.AddEvent(ctx, "done")
	end(nil)
}

// An incoming traceparent header makes the server span join the caller's trace.
func TestTraceContextPropagation(t *testing.T) {
	rec := installRecorder(t)

	var captured string
	traced := middleware.Tracing("autocash")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = middleware.GetTraceID(r)
		w.WriteHeader(http.StatusAccepted)
	}))

	const parentTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodPost, "/api/tracking/event", nil)
	req.Header.Set("traceparent", "00-"+parentTraceID+"-00f067aa0ba902b7-01")
	traced.ServeHTTP(httptest.NewRecorder(), req)

	if captured != parentTraceID {
		t.Errorf("trace ID = %q, want %q", captured, parentTraceID)
	}
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "POST /api/tracking/event" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if !spans[0].Parent().IsRemote() {
		t.Error("expected a remote parent")
	}
}

func keys(m map[string]sdktrace.ReadOnlySpan) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
