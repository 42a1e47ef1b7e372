// Package tts streams text to ElevenLabs over a single process-wide WebSocket
// and forwards the synthesized μ-law audio to whichever call is currently
// speaking. The socket outlives calls; only its sink changes.
package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/alihamza79/custom-voice-agent-sub003/pkg/audio"
)

const (
	defaultEndpoint     = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input"
	defaultOutputFormat = "ulaw_8000"

	keepaliveEvery    = 25 * time.Second
	reconnectAttempts = 3
	reconnectCap      = 5 * time.Second
	writeTimeout      = 5 * time.Second

	// Writes queued while the socket is mid-connect; beyond this they fail.
	maxPendingWrites = 64
)

// ErrNotConnected is returned when a send cannot be queued or delivered.
var ErrNotConnected = errors.New("tts: not connected")

// State describes the shared socket.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Sink receives synthesized audio for the active call.
// *telephony.Conn satisfies it.
type Sink interface {
	SendMedia(ctx context.Context, mulaw []byte) error
}

// Config holds client settings.
type Config struct {
	APIKey  string
	VoiceID string

	// FallbackVoiceID is tried once when the provider rejects VoiceID.
	FallbackVoiceID string

	ModelID string

	// OutputFormat is the provider audio format. Defaults to carrier μ-law;
	// a pcm_<rate> format is resampled and companded before forwarding.
	OutputFormat string

	// Endpoint overrides the provider URL template. It must contain one %s
	// for the voice id. For tests.
	Endpoint string
}

// Client is the shared synthesis socket.
type Client struct {
	log *slog.Logger
	cfg Config

	// pcmRate is non-zero when the provider emits linear PCM that must be
	// brought down to carrier μ-law.
	pcmRate int

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	voiceID      string
	usedFallback bool
	pending      [][]byte

	sink       Sink
	sinkStream string
	generation uint64
	// dropping discards audio of a cancelled generation until its final
	// marker arrives.
	dropping bool
	// inFlight reports that the provider still owes audio: text has been
	// submitted or audio has started arriving, and no final marker was seen
	// yet. A cancel with nothing in flight has nothing to drop.
	inFlight bool

	// onFirstAudio fires once per generation with the time-to-first-byte.
	onFirstAudio  func(streamSID string, elapsed time.Duration)
	// onDone fires when a generation finishes playing out uncancelled.
	onDone        func(streamSID string)
	genStarted    time.Time
	firstAudioFor uint64
}

// NewClient creates the client. Call Connect before speaking.
func NewClient(log *slog.Logger, cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = defaultOutputFormat
	}
	return &Client{
		log:     log,
		cfg:     cfg,
		state:   StateDisconnected,
		voiceID: cfg.VoiceID,
		pcmRate: pcmRate(cfg.OutputFormat),
	}
}

// pcmRate extracts the sample rate of a pcm_<rate> output format. Carrier
// μ-law formats yield zero, meaning no conversion is needed.
func pcmRate(format string) int {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0
	}
	rate, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return rate
}

// OnFirstAudio registers a latency observer fired once per generation.
func (c *Client) OnFirstAudio(fn func(streamSID string, elapsed time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFirstAudio = fn
}

// OnGenerationDone registers an observer fired when a generation has fully
// played out. Cancelled generations do not fire it.
func (c *Client) OnGenerationDone(fn func(streamSID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDone = fn
}

// State returns the socket state for health reporting.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// VoiceID returns the voice currently in use (fallback included).
func (c *Client) VoiceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceID
}

// Connect opens the shared socket. Subsequent failures reconnect
// automatically; Connect itself does not retry.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	conn, err := c.dial()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.keepalive()
	return nil
}

// Close shuts the socket down for good.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
}

// SetSink makes the given call the active speaker. An in-flight generation
// for the previous sink is cancelled first and its remaining audio dropped;
// with nothing in flight a stale drop flag is reset so the new generation is
// heard.
func (c *Client) SetSink(streamSID string, sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sink != nil && c.sinkStream != streamSID && c.inFlight {
		c.log.Info("tts sink switching", "from", c.sinkStream, "to", streamSID)
		c.dropping = true
	}
	if !c.inFlight {
		c.dropping = false
	}
	c.sink = sink
	c.sinkStream = streamSID
	c.generation++
	c.genStarted = time.Now()
	c.firstAudioFor = 0
}

// ClearSink detaches a call if it is still the active speaker. Audio the
// provider still owes for it is dropped.
func (c *Client) ClearSink(streamSID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sinkStream != streamSID {
		return
	}
	c.sink = nil
	c.sinkStream = ""
	c.dropping = c.inFlight
	c.generation++
}

// CancelCurrent aborts the in-flight generation for a barge-in without
// touching the socket. Later audio of that generation is discarded; with
// nothing in flight it is a no-op.
func (c *Client) CancelCurrent(streamSID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sinkStream != streamSID {
		return
	}
	c.generation++
	if c.inFlight {
		c.dropping = true
		c.log.Info("tts generation cancelled", "stream_sid", streamSID)
	}
}

// SendText streams one text chunk into the current generation.
func (c *Client) SendText(text string) error {
	if text == "" {
		return nil
	}
	data, err := json.Marshal(map[string]any{
		"text":                   text + " ",
		"try_trigger_generation": true,
	})
	if err != nil {
		return fmt.Errorf("tts: encode text: %w", err)
	}
	c.markInFlight()
	return c.safeSend(data)
}

// Flush forces synthesis of everything buffered server-side.
func (c *Client) Flush() error {
	data, err := json.Marshal(map[string]any{"text": " ", "flush": true})
	if err != nil {
		return fmt.Errorf("tts: encode flush: %w", err)
	}
	c.markInFlight()
	return c.safeSend(data)
}

func (c *Client) markInFlight() {
	c.mu.Lock()
	c.inFlight = true
	c.mu.Unlock()
}

// safeSend serializes writes on the shared socket. While a reconnect is in
// progress the payload is queued and replayed on open; a closed socket
// triggers the reconnect.
func (c *Client) safeSend(data []byte) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		if len(c.pending) >= maxPendingWrites {
			c.mu.Unlock()
			return fmt.Errorf("tts: pending queue full: %w", ErrNotConnected)
		}
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return nil

	case StateDisconnected:
		c.mu.Unlock()
		go c.reconnect()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Warn("tts write failed, reconnecting", "error", err)
		go c.reconnect()
		return fmt.Errorf("tts: send: %w", err)
	}
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	c.mu.Lock()
	voice := c.voiceID
	c.mu.Unlock()

	url := fmt.Sprintf(c.cfg.Endpoint, voice) +
		"?model_id=" + c.cfg.ModelID + "&output_format=" + c.cfg.OutputFormat

	conn, _, err := websocket.Dial(c.ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("tts: dial: %w", err)
	}

	// Stream-open message: voice settings plus the API key.
	open, err := json.Marshal(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"xi_api_key": c.cfg.APIKey,
	})
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("tts: encode open message: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, open); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("tts: send open message: %w", err)
	}
	return conn, nil
}

// reconnect re-opens the socket with capped exponential delays. An invalid
// voice id is retried once on the fallback voice, then treated as fatal.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		if c.ctx.Err() != nil {
			break
		}

		conn, err := c.dial()
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.state = StateConnected
			queued := c.pending
			c.pending = nil
			c.mu.Unlock()

			go c.readLoop(conn)
			c.log.Info("tts reconnected", "attempt", attempt, "replaying", len(queued))
			for _, data := range queued {
				if err := c.safeSend(data); err != nil {
					c.log.Warn("tts replay failed", "error", err)
					return
				}
			}
			return
		}

		if c.maybeFallbackVoice(err) {
			// Retry immediately on the fallback voice.
			continue
		}

		delay := time.Second << (attempt - 1)
		if delay > reconnectCap {
			delay = reconnectCap
		}
		c.log.Warn("tts reconnect failed", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
		}
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.pending = nil
	c.mu.Unlock()
	c.log.Error("tts reconnect abandoned")
}

// maybeFallbackVoice switches to the fallback voice on an invalid-voice
// rejection. Returns true when a retry with the new voice makes sense.
func (c *Client) maybeFallbackVoice(err error) bool {
	if !strings.Contains(strings.ToLower(err.Error()), "voice") {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usedFallback || c.cfg.FallbackVoiceID == "" || c.voiceID == c.cfg.FallbackVoiceID {
		return false
	}
	c.log.Warn("voice rejected, switching to fallback",
		"voice_id", c.voiceID, "fallback", c.cfg.FallbackVoiceID)
	c.voiceID = c.cfg.FallbackVoiceID
	c.usedFallback = true
	return true
}

// audioMessage is the provider's streaming response.
type audioMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("tts socket closed", "error", err)
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.state = StateDisconnected
			}
			c.mu.Unlock()
			go c.reconnect()
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg audioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("tts message unmarshal failed", "error", err)
		return
	}
	if msg.Error != "" {
		c.log.Error("tts provider error", "error", msg.Error)
		return
	}

	if msg.IsFinal {
		c.mu.Lock()
		streamSID := c.sinkStream
		wasDropping := c.dropping
		done := c.onDone
		c.dropping = false
		c.inFlight = false
		c.mu.Unlock()
		if !wasDropping && streamSID != "" && done != nil {
			done(streamSID)
		}
		return
	}
	if msg.Audio == "" {
		return
	}

	c.mu.Lock()
	c.inFlight = true
	sink := c.sink
	streamSID := c.sinkStream
	dropping := c.dropping
	gen := c.generation
	notify := c.onFirstAudio
	var elapsed time.Duration
	first := false
	if !dropping && sink != nil && c.firstAudioFor != gen {
		c.firstAudioFor = gen
		elapsed = time.Since(c.genStarted)
		first = true
	}
	c.mu.Unlock()

	if dropping || sink == nil {
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		c.log.Warn("tts audio decode failed", "error", err)
		return
	}
	if c.pcmRate > 0 {
		pcm := audio.ResampleLinear16(chunk, c.pcmRate, audio.CarrierSampleRate)
		chunk = audio.Linear16ToMulaw(pcm)
	}

	if first && notify != nil {
		notify(streamSID, elapsed)
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	if err := sink.SendMedia(ctx, chunk); err != nil {
		c.log.Warn("tts forward to caller failed", "stream_sid", streamSID, "error", err)
	}
	cancel()
}

// keepalive sends a whitespace chunk so the provider keeps the socket open
// through idle stretches.
func (c *Client) keepalive() {
	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			connected := c.state == StateConnected
			c.mu.Unlock()
			if !connected || conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := conn.Write(ctx, websocket.MessageText, []byte(`{"text":" "}`))
			cancel()
			if err != nil {
				c.log.Debug("tts keepalive write failed", "error", err)
			}
		}
	}
}
