package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// controlAPI wraps a small route table shaped like the companion API.
func controlAPI(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	exp := useRecorder(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/companion", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		_, _ = w.Write([]byte(`{"state":"idle"}`))
	})
	mux.HandleFunc("POST /v1/companion/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/companion/watch", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept behind middleware: %v", err)
			return
		}
		defer c.CloseNow()
		_ = c.Write(r.Context(), websocket.MessageText, []byte(`{"state":"listening"}`))
		c.Close(websocket.StatusNormalClosure, "")
	})
	return Middleware(m)(mux), reader, exp
}

func serve(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	h, _, _ := controlAPI(t)

	rec := serve(h, http.MethodGet, "/v1/companion", nil)
	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q, want a 32-char trace id", cid)
	}
	if seen := rec.Header().Get("X-Seen-Correlation"); seen != cid {
		t.Errorf("handler saw correlation %q, response carries %q", seen, cid)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response should carry a traceparent header")
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h, _, _ := controlAPI(t)
	const traceID = "0af7651916cd43dd8448eb211c80319c"

	rec := serve(h, http.MethodGet, "/v1/companion", map[string]string{
		"traceparent": "00-" + traceID + "-b7ad6b7169203331-01",
	})
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want the caller's trace %q", got, traceID)
	}
}

func TestMiddleware_SpanPerRequest(t *testing.T) {
	h, _, exp := controlAPI(t)

	serve(h, http.MethodGet, "/v1/companion", nil)
	serve(h, http.MethodPost, "/v1/companion/start", nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name != "GET /v1/companion" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("200 response should not mark the span failed")
	}

	start := spans[1]
	if start.Status.Code != codes.Error {
		t.Errorf("502 span status = %v, want error", start.Status.Code)
	}
	want := map[attribute.Key]bool{"http.route": false, "http.response.status_code": false}
	for _, kv := range start.Attributes {
		switch kv.Key {
		case "http.route":
			want[kv.Key] = kv.Value.AsString() == "POST /v1/companion/start"
		case "http.response.status_code":
			want[kv.Key] = kv.Value.AsInt64() == http.StatusBadGateway
		}
	}
	for k, ok := range want {
		if !ok {
			t.Errorf("span attribute %s missing or wrong: %v", k, start.Attributes)
		}
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	h, reader, _ := controlAPI(t)

	serve(h, http.MethodGet, "/v1/companion", nil)
	serve(h, http.MethodGet, "/v1/companion", nil)
	serve(h, http.MethodGet, "/does/not/exist/"+strings.Repeat("x", 8), nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "bloomzen.http.request.duration")
	if met == nil {
		t.Fatal("request duration histogram not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		counts[route.AsString()] += dp.Count
	}
	if counts["GET /v1/companion"] != 2 {
		t.Errorf("snapshot route count = %d, want 2 (all counts: %v)", counts["GET /v1/companion"], counts)
	}
	if counts["unmatched"] != 1 {
		t.Errorf("unknown paths should share the unmatched label, counts: %v", counts)
	}
}

func TestMiddleware_ProbesLogAtDebug(t *testing.T) {
	h, _, _ := controlAPI(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	serve(h, http.MethodGet, "/healthz", nil)
	if buf.Len() != 0 {
		t.Errorf("probe logged at info: %s", buf.String())
	}
	serve(h, http.MethodGet, "/v1/companion", nil)
	if !strings.Contains(buf.String(), "route=\"GET /v1/companion\"") {
		t.Errorf("API request not logged with its route: %s", buf.String())
	}
}

func TestMiddleware_WebSocketUpgrade(t *testing.T) {
	h, _, exp := controlAPI(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/companion/watch", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != `{"state":"listening"}` {
		t.Errorf("message = %s", data)
	}
	_, _, _ = c.Read(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(exp.GetSpans()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no span for the upgrade")
	}
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" && kv.Value.AsInt64() != http.StatusSwitchingProtocols {
			t.Errorf("upgrade status = %d, want 101", kv.Value.AsInt64())
		}
	}
}
