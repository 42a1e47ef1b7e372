package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v4"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEvents records the SessionEvents calls made by the handler.
type fakeEvents struct {
	mu         sync.Mutex
	starts     []StartInfo
	firstMedia []string
	audio      [][]byte
	marks      []string
	stops      []string
}

func (f *fakeEvents) OnStreamStart(_ context.Context, info StartInfo, _ MediaWriter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, info)
}

func (f *fakeEvents) OnFirstMedia(streamSID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firstMedia = append(f.firstMedia, streamSID)
}

func (f *fakeEvents) OnInboundAudio(_ string, mulaw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, mulaw)
}

func (f *fakeEvents) OnMark(_, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
}

func (f *fakeEvents) OnStreamStop(streamSID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, streamSID)
}

func (f *fakeEvents) snapshot() fakeEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeEvents{
		starts:     append([]StartInfo(nil), f.starts...),
		firstMedia: append([]string(nil), f.firstMedia...),
		audio:      append([][]byte(nil), f.audio...),
		marks:      append([]string(nil), f.marks...),
		stops:      append([]string(nil), f.stops...),
	}
}

func dialHandler(t *testing.T, h *Handler) (*websocket.Conn, func()) {
	t.Helper()

	srv := httptest.NewServer(h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		cancel()
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.CloseNow()
		cancel()
		srv.Close()
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHandlerDispatchesFrames(t *testing.T) {
	events := &fakeEvents{}
	reg := session.NewRegistry(testLogger())
	conn, done := dialHandler(t, NewHandler(testLogger(), reg, events))
	defer done()

	sendJSON(t, conn, map[string]any{"event": "connected", "protocol": "Call"})
	sendJSON(t, conn, map[string]any{
		"event": "start",
		"start": map[string]any{
			"accountSid":       "AC1",
			"streamSid":        "MZ1",
			"callSid":          "CA1",
			"tracks":           []string{"inbound"},
			"customParameters": map[string]string{"from": "+4915110"},
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
		"streamSid": "MZ1",
	})

	payload := base64.StdEncoding.EncodeToString([]byte{0x7f, 0x80, 0x00})
	sendJSON(t, conn, map[string]any{
		"event":     "media",
		"streamSid": "MZ1",
		"media":     map[string]any{"track": "inbound", "payload": payload},
	})
	// Outbound-track echo must be ignored.
	sendJSON(t, conn, map[string]any{
		"event":     "media",
		"streamSid": "MZ1",
		"media":     map[string]any{"track": "outbound", "payload": payload},
	})
	sendJSON(t, conn, map[string]any{
		"event":     "mark",
		"streamSid": "MZ1",
		"mark":      map[string]any{"name": "reply-done"},
	})
	sendJSON(t, conn, map[string]any{
		"event":     "stop",
		"streamSid": "MZ1",
		"stop":      map[string]any{"accountSid": "AC1", "callSid": "CA1"},
	})

	waitFor(t, func() bool { return len(events.snapshot().stops) == 1 })
	snap := events.snapshot()

	if len(snap.starts) != 1 {
		t.Fatalf("starts = %d, want 1", len(snap.starts))
	}
	start := snap.starts[0]
	if start.StreamSID != "MZ1" || start.CallSID != "CA1" || start.From != "+4915110" {
		t.Fatalf("unexpected start info: %+v", start)
	}
	if len(snap.firstMedia) != 1 || snap.firstMedia[0] != "MZ1" {
		t.Fatalf("firstMedia = %v, want [MZ1]", snap.firstMedia)
	}
	if len(snap.audio) != 1 {
		t.Fatalf("audio frames = %d, want 1 (outbound track must be ignored)", len(snap.audio))
	}
	if string(snap.audio[0]) != string([]byte{0x7f, 0x80, 0x00}) {
		t.Fatalf("audio payload not base64-decoded: %v", snap.audio[0])
	}
	if len(snap.marks) != 1 || snap.marks[0] != "reply-done" {
		t.Fatalf("marks = %v, want [reply-done]", snap.marks)
	}
}

func TestHandlerStopsOnceOnDroppedConnection(t *testing.T) {
	events := &fakeEvents{}
	reg := session.NewRegistry(testLogger())
	conn, done := dialHandler(t, NewHandler(testLogger(), reg, events))
	defer done()

	sendJSON(t, conn, map[string]any{
		"event":     "start",
		"start":     map[string]any{"streamSid": "MZ1", "callSid": "CA1"},
		"streamSid": "MZ1",
	})
	waitFor(t, func() bool { return len(events.snapshot().starts) == 1 })

	conn.CloseNow()

	waitFor(t, func() bool { return len(events.snapshot().stops) == 1 })
	if got := events.snapshot().stops; len(got) != 1 || got[0] != "MZ1" {
		t.Fatalf("stops = %v, want exactly [MZ1]", got)
	}
}

func TestHandlerRefusesEndingCall(t *testing.T) {
	events := &fakeEvents{}
	reg := session.NewRegistry(testLogger(), session.WithAfterFunc(
		func(time.Duration, func()) *time.Timer { return time.NewTimer(time.Hour) },
	))
	reg.AssociateCallSID("MZ-old", "CA1")
	reg.Get("MZ-old").MarkEnding()
	reg.Cleanup("MZ-old", session.ReasonConnectionClosed)

	conn, done := dialHandler(t, NewHandler(testLogger(), reg, events))
	defer done()

	sendJSON(t, conn, map[string]any{
		"event":     "start",
		"start":     map[string]any{"streamSid": "MZ-retry", "callSid": "CA1"},
		"streamSid": "MZ-retry",
	})

	// Server closes the socket instead of starting a session.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the server to close the connection")
	}
	if got := events.snapshot(); len(got.starts) != 0 || len(got.stops) != 0 {
		t.Fatalf("no events expected for a refused call, got %+v", &got)
	}
}

func TestOutboundFrameShapes(t *testing.T) {
	media, err := encodeMedia("MZ1", "cGF5bG9hZA==")
	if err != nil {
		t.Fatal(err)
	}
	var gotMedia map[string]any
	if err := json.Unmarshal(media, &gotMedia); err != nil {
		t.Fatal(err)
	}
	if gotMedia["event"] != "media" || gotMedia["streamSid"] != "MZ1" {
		t.Fatalf("media frame = %s", media)
	}
	if gotMedia["media"].(map[string]any)["payload"] != "cGF5bG9hZA==" {
		t.Fatalf("media frame payload = %s", media)
	}

	clear, err := encodeClear("MZ1")
	if err != nil {
		t.Fatal(err)
	}
	if string(clear) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Fatalf("clear frame = %s", clear)
	}

	mark, err := encodeMark("MZ1", "done")
	if err != nil {
		t.Fatal(err)
	}
	var gotMark map[string]any
	if err := json.Unmarshal(mark, &gotMark); err != nil {
		t.Fatal(err)
	}
	if gotMark["mark"].(map[string]any)["name"] != "done" {
		t.Fatalf("mark frame = %s", mark)
	}
}

func TestTwiMLDocument(t *testing.T) {
	h := NewTwiMLHandler(testLogger(), "wss://agent.example.com/media-stream")

	form := url.Values{"From": {"+4915110"}, "CallSid": {"CA1"}}
	req := httptest.NewRequest(http.MethodPost, "/twiml", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("Content-Type = %q, want text/xml", ct)
	}

	var doc twimlResponse
	if err := xml.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal twiml: %v", err)
	}
	if doc.Connect.Stream.URL != "wss://agent.example.com/media-stream" {
		t.Fatalf("stream url = %q", doc.Connect.Stream.URL)
	}
	if len(doc.Connect.Stream.Parameters) != 1 ||
		doc.Connect.Stream.Parameters[0].Name != "from" ||
		doc.Connect.Stream.Parameters[0].Value != "+4915110" {
		t.Fatalf("stream parameters = %+v", doc.Connect.Stream.Parameters)
	}
}

func TestVoiceTokenClaims(t *testing.T) {
	issuer := NewTokenIssuer(testLogger(), "AC123", "SK456", "secret", "AP789")

	signed, err := issuer.Issue("alice")
	if err != nil {
		t.Fatal(err)
	}

	var claims tokenClaims
	tok, err := jwt.ParseWithClaims(signed, &claims, func(tok *jwt.Token) (any, error) {
		return []byte("secret"), nil
	})
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if !tok.Valid {
		t.Fatal("token not valid")
	}
	if tok.Header["cty"] != "twilio-fpa;v=1" {
		t.Fatalf("cty = %v, want twilio-fpa;v=1", tok.Header["cty"])
	}
	if claims.Issuer != "SK456" || claims.Subject != "AC123" {
		t.Fatalf("iss/sub = %q/%q", claims.Issuer, claims.Subject)
	}
	if claims.Grants.Identity != "alice" {
		t.Fatalf("identity = %q", claims.Grants.Identity)
	}
	if claims.Grants.Voice.Outgoing.ApplicationSID != "AP789" {
		t.Fatalf("application_sid = %q", claims.Grants.Voice.Outgoing.ApplicationSID)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Fatalf("token ttl = %v, want 1h", got)
	}
}
