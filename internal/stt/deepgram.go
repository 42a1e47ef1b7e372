// Package stt streams caller audio to Deepgram and surfaces transcripts as
// callbacks. One client serves one call; a process-wide [Limiter] bounds the
// number of concurrent provider sockets.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultEndpoint  = "wss://api.deepgram.com/v1/listen"
	keepaliveEvery   = 10 * time.Second
	endpointingMS    = "500"
	utteranceEndMS   = "1500"
	carrierEncoding  = "mulaw"
	carrierRate      = "8000"
	carrierChannels  = "1"
	writeGracePeriod = 5 * time.Second
)

// ErrSaturated is returned by Start when the limiter refuses admission.
var ErrSaturated = errors.New("stt: connection limit reached")

// Callbacks receive transcription events. All callbacks are invoked from the
// client's reader goroutine; keep them fast or hand off.
type Callbacks struct {
	// OnInterim delivers a partial transcript for the utterance in progress.
	OnInterim func(text string, confidence float64)

	// OnSpeechFinal delivers a complete utterance: all finalized segments
	// since the last speech-final, concatenated in order.
	OnSpeechFinal func(text string, confidence float64)

	// OnUtteranceEnd fires when the provider detects end of speech without a
	// speech-final result. Pending finalized segments are flushed through
	// OnSpeechFinal first.
	OnUtteranceEnd func()

	// OnOpen fires after each successful (re)connect.
	OnOpen func()

	// OnClose fires once when the client stops for good. err is nil on a
	// clean Close.
	OnClose func(err error)
}

// Config holds per-client settings.
type Config struct {
	APIKey   string
	Model    string
	Language string

	// Endpoint overrides the provider URL. For tests.
	Endpoint string
}

// Client is a streaming transcription session.
type Client struct {
	log     *slog.Logger
	cfg     Config
	limiter *Limiter
	cb      Callbacks

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn

	// Finalized segments accumulated since the last speech-final.
	segments []string
	lastConf float64

	token       string
	releaseOnce sync.Once
	closeOnce   sync.Once
	closed      chan struct{}
}

// NewClient creates a transcription client. Call Start to connect.
func NewClient(log *slog.Logger, cfg Config, limiter *Limiter, cb Callbacks) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return &Client{
		log:     log,
		cfg:     cfg,
		limiter: limiter,
		cb:      cb,
		closed:  make(chan struct{}),
	}
}

// Start admits the client through the limiter and opens the provider socket.
// It returns [ErrSaturated] without side effects when no slot is free.
func (c *Client) Start(ctx context.Context) error {
	token, ok := c.limiter.Acquire()
	if !ok {
		return ErrSaturated
	}
	c.token = token

	c.ctx, c.cancel = context.WithCancel(ctx)

	conn, err := c.dial(c.ctx)
	if err != nil {
		c.release()
		c.cancel()
		return err
	}
	c.setConn(conn)
	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}

	go c.run(conn)
	go c.keepalive()
	return nil
}

// SendAudio ships one μ-law chunk to the provider. Safe to call from the
// transport goroutine; drops are reported as errors, not panics.
func (c *Client) SendAudio(mulaw []byte) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("stt: not connected")
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeGracePeriod)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, mulaw); err != nil {
		return fmt.Errorf("stt: send audio: %w", err)
	}
	return nil
}

// Close stops the client and frees its limiter slot. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if conn := c.currentConn(); conn != nil {
			conn.Close(websocket.StatusNormalClosure, "session ended")
		}
		c.release()
		close(c.closed)
		if c.cb.OnClose != nil {
			c.cb.OnClose(nil)
		}
	})
}

func (c *Client) release() {
	c.releaseOnce.Do(func() {
		c.limiter.Release(c.token)
	})
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("stt: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	q.Set("language", c.cfg.Language)
	q.Set("smart_format", "true")
	q.Set("encoding", carrierEncoding)
	q.Set("sample_rate", carrierRate)
	q.Set("channels", carrierChannels)
	q.Set("interim_results", "true")
	q.Set("endpointing", endpointingMS)
	q.Set("utterance_end_ms", utteranceEndMS)
	q.Set("keep_alive", "true")
	u.RawQuery = q.Encode()

	hdr := http.Header{}
	hdr.Set("Authorization", "Token "+c.cfg.APIKey)

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		kind := classifyDial(resp)
		return nil, &dialError{kind: kind, err: err}
	}
	return conn, nil
}

// dialError carries the classification through the reconnect loop.
type dialError struct {
	kind ErrorKind
	err  error
}

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// run reads provider messages and reconnects on failure per the policy.
// Attempt counting resets after every successful open.
func (c *Client) run(conn *websocket.Conn) {
	for {
		err := c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn("stt socket closed, reconnecting", "error", err)

		var reErr error
		conn, reErr = c.reconnect()
		if reErr != nil {
			c.log.Error("stt reconnect abandoned", "error", reErr)
			c.setConn(nil)
			c.release()
			c.closeOnce.Do(func() {
				c.cancel()
				close(c.closed)
				if c.cb.OnClose != nil {
					c.cb.OnClose(reErr)
				}
			})
			return
		}
		c.setConn(conn)
		if c.cb.OnOpen != nil {
			c.cb.OnOpen()
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	for attempt := 1; ; attempt++ {
		conn, err := c.dial(c.ctx)
		if err == nil {
			return conn, nil
		}

		kind := KindTransient
		var de *dialError
		if errors.As(err, &de) {
			kind = de.kind
		}

		delay, retry := reconnectDelay(kind, attempt)
		if !retry {
			return nil, fmt.Errorf("stt: reconnect attempt %d: %w", attempt, err)
		}
		c.log.Warn("stt reconnect failed, backing off",
			"attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		c.handleMessage(data)
	}
}

// resultMessage mirrors the subset of the provider's streaming response the
// client uses.
type resultMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	// SpeechFinal marks the end of an utterance.
	SpeechFinal bool `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (c *Client) handleMessage(data []byte) {
	var msg resultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("stt message unmarshal failed", "error", err)
		return
	}

	switch msg.Type {
	case "Results":
		c.handleResult(msg)
	case "UtteranceEnd":
		c.flushSegments()
		if c.cb.OnUtteranceEnd != nil {
			c.cb.OnUtteranceEnd()
		}
	case "Metadata", "SpeechStarted":
		// Informational.
	default:
		c.log.Debug("unhandled stt message", "type", msg.Type)
	}
}

func (c *Client) handleResult(msg resultMessage) {
	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)

	if !msg.IsFinal {
		if text != "" && c.cb.OnInterim != nil {
			c.cb.OnInterim(text, alt.Confidence)
		}
		return
	}

	// Finalized segment. An utterance can span several of these; collect
	// them and emit on speech_final.
	c.mu.Lock()
	if text != "" {
		c.segments = append(c.segments, text)
		c.lastConf = alt.Confidence
	}
	c.mu.Unlock()

	if msg.SpeechFinal {
		c.flushSegments()
	}
}

// flushSegments emits accumulated finalized segments as one utterance.
func (c *Client) flushSegments() {
	c.mu.Lock()
	if len(c.segments) == 0 {
		c.mu.Unlock()
		return
	}
	text := strings.Join(c.segments, " ")
	conf := c.lastConf
	c.segments = nil
	c.mu.Unlock()

	if c.cb.OnSpeechFinal != nil {
		c.cb.OnSpeechFinal(text, conf)
	}
}

// keepalive pings the provider so it keeps the socket open through silence.
func (c *Client) keepalive() {
	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()

	payload := []byte(`{"type":"KeepAlive"}`)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeGracePeriod)
			err := conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				c.log.Debug("stt keepalive write failed", "error", err)
			}
		}
	}
}

// KeepAlivePayload returns the provider keepalive message. Exposed for tests.
func KeepAlivePayload() []byte {
	return []byte(`{"type":"KeepAlive"}`)
}
