package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

// instrumentedRouter serves /sessions/{id} and /healthz behind Middleware.
func instrumentedRouter(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	exp := useRecorder(t)

	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Trace", TraceID(r.Context()))
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r, reader, exp
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	h, _, exp := instrumentedRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if got := spans[0].Name; got != "HTTP GET /sessions/{id}" {
		t.Errorf("span name = %q", got)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("status attribute = %d, want 404", status)
	}
	if id := rec.Header().Get("X-Correlation-ID"); id == "" || id != rec.Header().Get("X-Seen-Trace") {
		t.Errorf("X-Correlation-ID = %q, handler saw %q", id, rec.Header().Get("X-Seen-Trace"))
	}
}

func TestMiddleware_JoinsIncomingTrace(t *testing.T) {
	h, _, _ := instrumentedRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-"+incomingTraceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != incomingTraceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, incomingTraceID)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	h, reader, _ := instrumentedRouter(t)
	for _, path := range []string{"/sessions/a", "/sessions/b", "/healthz"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "pendant.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric is %T, want a histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		counts[route.AsString()+" "+status.AsString()] += dp.Count
	}
	want := map[string]uint64{"/sessions/{id} 404": 2, "/healthz 200": 1}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("samples[%s] = %d, want %d (all: %v)", k, counts[k], v, counts)
		}
	}
}

func TestTraceContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v4/listen", nil)
	if id := TraceID(TraceContext(req)); id != "" {
		t.Errorf("TraceID without header = %q, want empty", id)
	}
	req.Header.Set("traceparent", "00-"+incomingTraceID+"-00f067aa0ba902b7-01")
	if id := TraceID(TraceContext(req)); id != incomingTraceID {
		t.Errorf("TraceID = %q, want %q", id, incomingTraceID)
	}
}

func TestStatusRecorder_Hijack(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("expected error: httptest.ResponseRecorder cannot be hijacked")
	}
	if rec.Unwrap() == nil {
		t.Error("Unwrap returned nil")
	}
}
