package observe

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// statusMux mimics the routes of the status server.
func statusMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend unreachable", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /status/{interview}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"interview":"` + r.PathValue("interview") + `"}`))
	})
	return mux
}

func TestMiddleware_Requests(t *testing.T) {
	tests := []struct {
		path       string
		wantStatus int
		wantRoute  string
	}{
		{"/healthz", http.StatusOK, "GET /healthz"},
		{"/readyz", http.StatusServiceUnavailable, "GET /readyz"},
		{"/status/iv-1", http.StatusOK, "GET /status/{interview}"},
		{"/nowhere", http.StatusNotFound, "/nowhere"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			m, reader := newTestMetrics(t)
			exp := useRecorder(t)
			h := Middleware(m)(statusMux())

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			cid := rec.Header().Get(CorrelationHeader)
			if !hexTraceID.MatchString(cid) {
				t.Errorf("%s = %q", CorrelationHeader, cid)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if spans[0].Name != "HTTP GET "+tt.path {
				t.Errorf("span name = %q", spans[0].Name)
			}
			if spans[0].SpanContext.TraceID().String() != cid {
				t.Error("correlation header differs from the span's trace id")
			}
			if got := spanAttrs(spans[0])["http.response.status_code"]; got != strconv.Itoa(tt.wantStatus) {
				t.Errorf("span status attribute = %q", got)
			}

			met := findMetric(collect(t, reader), "parley.http.request.duration")
			if met == nil {
				t.Fatal("request duration not recorded")
			}
			hist := met.Data.(metricdata.Histogram[float64])
			if len(hist.DataPoints) != 1 {
				t.Fatalf("got %d data points", len(hist.DataPoints))
			}
			route, _ := hist.DataPoints[0].Attributes.Value("path")
			if route.AsString() != tt.wantRoute {
				t.Errorf("path label = %q, want %q", route.AsString(), tt.wantRoute)
			}
		})
	}
}

func TestMiddleware_RoutesShareSeries(t *testing.T) {
	m, reader := newTestMetrics(t)
	useRecorder(t)
	h := Middleware(m)(statusMux())

	for _, id := range []string{"iv-1", "iv-2", "iv-3"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
	}

	hist := findMetric(collect(t, reader), "parley.http.request.duration").Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 3 {
		t.Errorf("data points = %+v, want one series with three samples", hist.DataPoints)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	m, _ := newTestMetrics(t)
	useRecorder(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var inHandler string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if inHandler != traceID {
		t.Errorf("handler saw trace %q, want %q", inHandler, traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
	if !strings.Contains(rec.Header().Get("traceparent"), traceID) {
		t.Errorf("traceparent = %q, want the incoming trace", rec.Header().Get("traceparent"))
	}
}

func TestMiddleware_ProbeLogLevel(t *testing.T) {
	m, _ := newTestMetrics(t)
	useRecorder(t)
	buf := captureLogs(t)
	h := Middleware(m)(statusMux())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("healthy probe logged at info: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if !strings.Contains(buf.String(), "status=503") {
		t.Errorf("failing probe not logged: %s", buf.String())
	}

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status/iv-9", nil))
	if !strings.Contains(buf.String(), "path=/status/iv-9") {
		t.Errorf("status request not logged: %s", buf.String())
	}
}
