package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func TestParseSampler(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		arg  string
		want sdktrace.SamplingDecision
	}{
		{"always_off", "", sdktrace.Drop},
		{"always_on", "", sdktrace.RecordAndSample},
		{"traceidratio", "2", sdktrace.RecordAndSample},
		{"traceidratio", "-1", sdktrace.Drop},
		{"parentbased", "0", sdktrace.Drop},
		{"", "", sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		got := parseSampler(tc.name, tc.arg).ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       oteltrace.TraceID{0xA1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			Name:          "decision-probe",
		}).Decision
		if got != tc.want {
			t.Fatalf("parseSampler(%q, %q) decided %v, want %v", tc.name, tc.arg, got, tc.want)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	got := parseHeaders("x-api-key=sk-123, x-tenant = sigil ,dangling")
	if len(got) != 2 || got["x-api-key"] != "sk-123" || got["x-tenant"] != "sigil" {
		t.Fatalf("unexpected headers %#v", got)
	}
	if parseHeaders("") != nil {
		t.Fatal("empty input must yield nil")
	}
	if parseHeaders(" , =orphan") != nil {
		t.Fatal("input with no usable pairs must yield nil")
	}
}

func TestEnvSeconds(t *testing.T) {
	t.Setenv("SIGIL_TELEMETRY_TIMEOUT", "9")
	if got := envSeconds("SIGIL_TELEMETRY_TIMEOUT", 5); got != 9*time.Second {
		t.Fatalf("expected 9s, got %v", got)
	}
	t.Setenv("SIGIL_TELEMETRY_TIMEOUT", "ninety")
	if got := envSeconds("SIGIL_TELEMETRY_TIMEOUT", 5); got != 5*time.Second {
		t.Fatalf("expected default 5s, got %v", got)
	}
}

func TestInitLocalOnly(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_REQUIRED", "false")

	shutdown, err := Init(context.Background(), "attestor")
	if err != nil {
		t.Fatalf("init without endpoint: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Init() returned a nil shutdown")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInstrumentClient(t *testing.T) {
	fresh := InstrumentClient(nil)
	if fresh == nil || fresh.Transport == nil {
		t.Fatal("nil client must come back instrumented")
	}

	own := &http.Client{Transport: http.DefaultTransport}
	if InstrumentClient(own) != own {
		t.Fatal("existing client must be returned, not replaced")
	}
	if own.Transport == http.DefaultTransport {
		t.Fatal("transport must be wrapped")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	// A blank name falls back to the default service name; both variants
	// must still pass requests through.
	for _, name := range []string{"sigil-verifier", "   "} {
		handler := HTTPMiddleware(name)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/keys", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("service name %q: expected 204, got %d", name, rec.Code)
		}
	}
}

func TestInitExporterFailureModes(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	// A cancelled context makes exporter startup fail deterministically.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	t.Setenv("OTEL_REQUIRED", "false")
	shutdown, err := Init(ctx, "attestor")
	if err != nil {
		t.Fatalf("optional exporter must degrade to local traces, got %v", err)
	}
	if shutdown == nil {
		t.Fatal("fallback Init() returned a nil shutdown")
	}
	_ = shutdown(context.Background())

	t.Setenv("OTEL_REQUIRED", "true")
	if _, err := Init(ctx, "attestor"); err == nil {
		t.Fatal("required exporter must surface the startup error")
	}
}

func TestInitExporterConnects(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	endpoint, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("url.Parse(%q) = %v", collector.URL, err)
	}
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", endpoint.Host)
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-api-key=sk-123")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "1")
	t.Setenv("OTEL_REQUIRED", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Init(ctx, "")
	if err != nil {
		t.Fatalf("init with reachable collector: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
