package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSink records forwarded audio per test.
type captureSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *captureSink) SendMedia(_ context.Context, mulaw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), mulaw...))
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// fakeProvider accepts the socket, records inbound messages, and feeds
// messages pushed through the send channel back to the client.
type fakeProvider struct {
	srv  *httptest.Server
	mu   sync.Mutex
	recv []map[string]any
	send chan string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{send: make(chan string, 16)}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		go func() {
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var m map[string]any
				if json.Unmarshal(data, &m) == nil {
					p.mu.Lock()
					p.recv = append(p.recv, m)
					p.mu.Unlock()
				}
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-p.send:
				if !ok {
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
					return
				}
			}
		}
	}))
	return p
}

func (p *fakeProvider) endpoint() string {
	// The client formats the voice id into the template.
	return "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/%s/stream-input"
}

func (p *fakeProvider) received() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.recv...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newConnectedClient(t *testing.T, p *fakeProvider) *Client {
	t.Helper()
	c := NewClient(testLogger(), Config{
		APIKey:   "key",
		VoiceID:  "voice-1",
		Endpoint: p.endpoint(),
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestConnectSendsOpenMessage(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()
	c := newConnectedClient(t, p)

	waitFor(t, func() bool { return len(p.received()) >= 1 })
	open := p.received()[0]
	if open["xi_api_key"] != "key" {
		t.Fatalf("open message missing api key: %v", open)
	}
	if _, ok := open["voice_settings"]; !ok {
		t.Fatalf("open message missing voice settings: %v", open)
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("State() = %q, want connected", got)
	}
}

func TestSendTextAndFlushShapes(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()
	c := newConnectedClient(t, p)

	if err := c.SendText("Hello there"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	waitFor(t, func() bool { return len(p.received()) >= 3 })
	msgs := p.received()

	text := msgs[1]
	if text["text"] != "Hello there " {
		t.Fatalf("text chunk = %v, want trailing space", text["text"])
	}
	if text["try_trigger_generation"] != true {
		t.Fatalf("text chunk missing try_trigger_generation: %v", text)
	}

	flush := msgs[2]
	if flush["flush"] != true || flush["text"] != " " {
		t.Fatalf("flush message = %v", flush)
	}
}

func TestAudioForwardedToSink(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()
	c := newConnectedClient(t, p)

	sink := &captureSink{}
	var (
		latencyMu sync.Mutex
		latencies []string
	)
	c.OnFirstAudio(func(streamSID string, _ time.Duration) {
		latencyMu.Lock()
		latencies = append(latencies, streamSID)
		latencyMu.Unlock()
	})
	c.SetSink("MZ1", sink)

	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	p.send <- `{"audio":"` + audio + `"}`
	p.send <- `{"audio":"` + audio + `"}`
	p.send <- `{"isFinal":true}`

	waitFor(t, func() bool { return sink.count() == 2 })

	latencyMu.Lock()
	defer latencyMu.Unlock()
	if len(latencies) != 1 || latencies[0] != "MZ1" {
		t.Fatalf("first-audio notifications = %v, want one for MZ1", latencies)
	}
}

func TestCancelCurrentDropsUntilFinal(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()
	c := newConnectedClient(t, p)

	sink := &captureSink{}
	c.SetSink("MZ1", sink)

	audio := base64.StdEncoding.EncodeToString([]byte{1})
	p.send <- `{"audio":"` + audio + `"}`
	waitFor(t, func() bool { return sink.count() == 1 })

	c.CancelCurrent("MZ1")
	p.send <- `{"audio":"` + audio + `"}`
	p.send <- `{"isFinal":true}`
	p.send <- `{"audio":"` + audio + `"}`

	waitFor(t, func() bool { return sink.count() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := sink.count(); got != 2 {
		t.Fatalf("sink chunks = %d, want cancelled-generation audio dropped", got)
	}
}

func TestCancelCurrentIgnoresOtherStream(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()
	c := newConnectedClient(t, p)

	sink := &captureSink{}
	c.SetSink("MZ1", sink)
	c.CancelCurrent("MZ-other")

	audio := base64.StdEncoding.EncodeToString([]byte{1})
	p.send <- `{"audio":"` + audio + `"}`
	waitFor(t, func() bool { return sink.count() == 1 })
}

func TestSinkSwitchDropsPreviousGeneration(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()
	c := newConnectedClient(t, p)

	first := &captureSink{}
	second := &captureSink{}
	c.SetSink("MZ1", first)
	if err := c.SendText("still talking"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	c.SetSink("MZ2", second)

	audio := base64.StdEncoding.EncodeToString([]byte{1})
	// Leftover audio from the first generation arrives after the switch.
	p.send <- `{"audio":"` + audio + `"}`
	p.send <- `{"isFinal":true}`
	p.send <- `{"audio":"` + audio + `"}`

	waitFor(t, func() bool { return second.count() == 1 })
	if got := first.count(); got != 0 {
		t.Fatalf("previous sink received %d chunks, want 0", got)
	}
}

func TestClearSinkWhileIdleDoesNotMuteNextCall(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()
	c := newConnectedClient(t, p)

	// First call ends with no generation in flight, so no final marker will
	// ever arrive for it.
	c.SetSink("MZ1", &captureSink{})
	c.ClearSink("MZ1")

	next := &captureSink{}
	c.SetSink("MZ2", next)

	audio := base64.StdEncoding.EncodeToString([]byte{1})
	p.send <- `{"audio":"` + audio + `"}`
	p.send <- `{"audio":"` + audio + `"}`

	waitFor(t, func() bool { return next.count() == 2 })
}

func TestIdleCancelKeepsNextReplyAudible(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()
	c := newConnectedClient(t, p)

	sink := &captureSink{}
	c.SetSink("MZ1", sink)
	// Barge-in fires while nothing is playing.
	c.CancelCurrent("MZ1")
	c.SetSink("MZ1", sink)

	audio := base64.StdEncoding.EncodeToString([]byte{1})
	p.send <- `{"audio":"` + audio + `"}`

	waitFor(t, func() bool { return sink.count() == 1 })
}

func TestGenerationDoneFiresForCompletedReply(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()
	c := newConnectedClient(t, p)

	var (
		mu   sync.Mutex
		done []string
	)
	c.OnGenerationDone(func(streamSID string) {
		mu.Lock()
		done = append(done, streamSID)
		mu.Unlock()
	})
	c.SetSink("MZ1", &captureSink{})
	if err := c.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	audio := base64.StdEncoding.EncodeToString([]byte{1})
	p.send <- `{"audio":"` + audio + `"}`
	p.send <- `{"isFinal":true}`

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(done) == 1 && done[0] == "MZ1"
	})
}

func TestGenerationDoneSkippedForCancelledReply(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()
	c := newConnectedClient(t, p)

	var (
		mu   sync.Mutex
		done int
	)
	c.OnGenerationDone(func(string) {
		mu.Lock()
		done++
		mu.Unlock()
	})
	sink := &captureSink{}
	c.SetSink("MZ1", sink)

	audio := base64.StdEncoding.EncodeToString([]byte{1})
	p.send <- `{"audio":"` + audio + `"}`
	waitFor(t, func() bool { return sink.count() == 1 })

	c.CancelCurrent("MZ1")
	p.send <- `{"isFinal":true}`

	// The final marker of a cancelled generation clears the drop state but
	// must not report a finished reply.
	p.send <- `{"audio":"` + audio + `"}`
	waitFor(t, func() bool { return sink.count() == 2 })

	mu.Lock()
	defer mu.Unlock()
	if done != 0 {
		t.Fatalf("done notifications = %d, want 0 for cancelled generation", done)
	}
}

func TestClearSinkOnlyForOwner(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()
	c := newConnectedClient(t, p)

	sink := &captureSink{}
	c.SetSink("MZ1", sink)
	c.ClearSink("MZ-other")

	audio := base64.StdEncoding.EncodeToString([]byte{1})
	p.send <- `{"audio":"` + audio + `"}`
	waitFor(t, func() bool { return sink.count() == 1 })

	c.ClearSink("MZ1")
	p.send <- `{"audio":"` + audio + `"}`
	time.Sleep(50 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Fatalf("cleared sink still receives audio, chunks = %d", got)
	}
}

func TestPCMFallbackConvertedToCarrier(t *testing.T) {
	p := newFakeProvider(t)
	defer p.srv.Close()

	c := NewClient(testLogger(), Config{
		APIKey:       "key",
		VoiceID:      "voice-1",
		OutputFormat: "pcm_16000",
		Endpoint:     p.endpoint(),
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)

	sink := &captureSink{}
	c.SetSink("MZ1", sink)

	// Four 16-bit samples at 16 kHz become two μ-law bytes at 8 kHz.
	pcm := base64.StdEncoding.EncodeToString([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	p.send <- `{"audio":"` + pcm + `"}`

	waitFor(t, func() bool { return sink.count() == 1 })
	sink.mu.Lock()
	got := len(sink.chunks[0])
	sink.mu.Unlock()
	if got != 2 {
		t.Fatalf("forwarded %d bytes, want 2 μ-law samples", got)
	}
}

func TestPCMRate(t *testing.T) {
	cases := []struct {
		format string
		want   int
	}{
		{"ulaw_8000", 0},
		{"pcm_16000", 16000},
		{"pcm_22050", 22050},
		{"pcm_bogus", 0},
	}
	for _, tc := range cases {
		if got := pcmRate(tc.format); got != tc.want {
			t.Errorf("pcmRate(%q) = %d, want %d", tc.format, got, tc.want)
		}
	}
}

func TestFallbackVoiceDecision(t *testing.T) {
	c := NewClient(testLogger(), Config{
		APIKey:          "key",
		VoiceID:         "bad-voice",
		FallbackVoiceID: "good-voice",
	})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	defer c.cancel()

	if !c.maybeFallbackVoice(errInvalidVoice) {
		t.Fatal("expected fallback on invalid voice error")
	}
	if got := c.VoiceID(); got != "good-voice" {
		t.Fatalf("VoiceID() = %q, want good-voice", got)
	}
	// Second rejection is fatal.
	if c.maybeFallbackVoice(errInvalidVoice) {
		t.Fatal("fallback must be attempted once")
	}
}

func TestFallbackIgnoresUnrelatedErrors(t *testing.T) {
	c := NewClient(testLogger(), Config{
		APIKey:          "key",
		VoiceID:         "voice-1",
		FallbackVoiceID: "good-voice",
	})
	if c.maybeFallbackVoice(errTransient) {
		t.Fatal("network errors must not trigger the voice fallback")
	}
	if got := c.VoiceID(); got != "voice-1" {
		t.Fatalf("VoiceID() = %q, want unchanged", got)
	}
}

var (
	errInvalidVoice = &testError{"tts: dial: status 1008: invalid voice_id"}
	errTransient    = &testError{"tts: dial: connection refused"}
)

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
