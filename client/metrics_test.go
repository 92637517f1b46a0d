package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nkitajim/task-collabo/domain"
)

// traced installs an in-memory tracer provider for the duration of the test.
func traced(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func tracedClient(t *testing.T, h http.HandlerFunc) (*Client, *test.Hook) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	c, err := New(srv.URL, NewCredential("tok"), Options{
		Logger:       logger,
		Retries:      2,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, hook
}

func spanAttrs(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(s.Attributes))
	for _, kv := range s.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func observabilityEntry(t *testing.T, hook *test.Hook) *log.Entry {
	t.Helper()
	for i := len(hook.AllEntries()) - 1; i >= 0; i-- {
		if e := hook.AllEntries()[i]; e.Message == observabilityEvent {
			return e
		}
	}
	t.Fatalf("no %s entry among %d log entries", observabilityEvent, len(hook.AllEntries()))
	return nil
}

func TestRequestSpanAfterRetry(t *testing.T) {
	exporter := traced(t)
	var calls atomic.Int32
	c, hook := tracedClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":1,"title":"B","columns":[]}`))
	})

	if _, err := c.FetchBoard(context.Background(), "1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected one span per call, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != requestSpanName || span.Status.Code != codes.Ok {
		t.Fatalf("unexpected span %s status %v", span.Name, span.Status.Code)
	}
	attrs := spanAttrs(span)
	if got := attrs["http.route"].AsString(); got != "/boards/{id}/full" {
		t.Fatalf("route attribute %q", got)
	}
	if got := attrs["boardapi.attempts"].AsInt64(); got != 2 {
		t.Fatalf("attempts attribute %d", got)
	}
	if got := attrs["http.status_code"].AsInt64(); got != http.StatusOK {
		t.Fatalf("status attribute %d", got)
	}
	if len(span.Events) != 1 || span.Events[0].Name != observabilityEvent {
		t.Fatalf("expected a single observability span event, got %#v", span.Events)
	}

	entry := observabilityEntry(t, hook)
	if entry.Level != log.InfoLevel || entry.Data["event.name"] != requestEventName {
		t.Fatalf("unexpected entry level %v data %v", entry.Level, entry.Data)
	}
	if id, _ := entry.Data["trace_id"].(string); id != span.SpanContext.TraceID().String() {
		t.Fatalf("log trace id %q does not match span", id)
	}
}

func TestRequestSpanOnClientError(t *testing.T) {
	exporter := traced(t)
	c, hook := tracedClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such task", http.StatusNotFound)
	})

	err := c.DeleteTask(context.Background(), "9")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	span := exporter.GetSpans()[0]
	if span.Status.Code == codes.Error {
		t.Fatalf("4xx should not mark the span as errored")
	}
	attrs := spanAttrs(span)
	if attrs["boardapi.error_stage"].AsString() != "response" {
		t.Fatalf("error stage %q", attrs["boardapi.error_stage"].AsString())
	}
	if entry := observabilityEntry(t, hook); entry.Level != log.WarnLevel {
		t.Fatalf("expected warn level, got %v", entry.Level)
	}
}

func TestRequestSpanOnTransportFailure(t *testing.T) {
	exporter := traced(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	logger, hook := test.NewNullLogger()
	c, err := New(srv.URL, NewCredential("tok"), Options{Logger: logger})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	var ne *NetworkError
	if _, err := c.CreateTask(context.Background(), "3", domain.TaskDraft{Title: "x"}); !errors.As(err, &ne) {
		t.Fatalf("expected network error, got %v", err)
	}

	span := exporter.GetSpans()[0]
	if span.Status.Code != codes.Error {
		t.Fatalf("expected errored span, got %v", span.Status.Code)
	}
	attrs := spanAttrs(span)
	if attrs["boardapi.error_stage"].AsString() != "transport" || attrs["boardapi.attempts"].AsInt64() != 1 {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if entry := observabilityEntry(t, hook); entry.Level != log.ErrorLevel {
		t.Fatalf("expected error level, got %v", entry.Level)
	}
}

func TestSeverityForStatus(t *testing.T) {
	cases := map[string]struct {
		status int
		err    error
		text   string
		number int
	}{
		"ok":        {status: http.StatusNoContent, text: "INFO", number: 9},
		"conflict":  {status: http.StatusConflict, text: "WARN", number: 13},
		"upstream":  {status: http.StatusBadGateway, text: "ERROR", number: 17},
		"transport": {err: errors.New("reset"), text: "ERROR", number: 17},
	}
	for name, tc := range cases {
		text, number := severityForStatus(tc.status, tc.err)
		if text != tc.text || number != tc.number {
			t.Fatalf("%s: got %s/%d, want %s/%d", name, text, number, tc.text, tc.number)
		}
	}
}
