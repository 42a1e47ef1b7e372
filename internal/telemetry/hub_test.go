package telemetry

import (
	"bufio"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFanOut(t *testing.T) {
	h := NewHub(testLogger())

	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	h.Publish(EventCallStarted, map[string]string{"stream_sid": "MZ1"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Name != EventCallStarted {
				t.Fatalf("subscriber %s got event %q", name, ev.Name)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s got nothing", name)
		}
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := NewHub(testLogger())

	_, cancel := h.Subscribe() // never drained
	defer cancel()

	for i := 0; i < subscriberBuffer+1; i++ {
		h.Publish(EventTranscriptPartial, i)
	}

	if got := h.Subscribers(); got != 0 {
		t.Fatalf("Subscribers() = %d, want slow subscriber dropped", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := NewHub(testLogger())
	_, cancel := h.Subscribe()

	cancel()
	cancel() // second call must not panic on the closed channel
	if got := h.Subscribers(); got != 0 {
		t.Fatalf("Subscribers() = %d, want 0", got)
	}
}

func TestServeHTTPStreamsEvents(t *testing.T) {
	h := NewHub(testLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/events", nil)
	ctx, cancelReq := contextWithCancel(req)
	req = req.WithContext(ctx)

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	waitFor(t, func() bool { return h.Subscribers() == 1 })
	h.Publish(EventTranscriptFinal, map[string]string{"text": "hello"})
	waitFor(t, func() bool { return strings.Contains(rec.Body.String(), "hello") })

	cancelReq()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit on client disconnect")
	}

	body := rec.Body.String()
	scanner := bufio.NewScanner(strings.NewReader(body))
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
		}
	}
	if eventLine != "event: "+EventTranscriptFinal {
		t.Fatalf("event line = %q", eventLine)
	}
	if !strings.Contains(dataLine, `"text":"hello"`) {
		t.Fatalf("data line = %q", dataLine)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
}
