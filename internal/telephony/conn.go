package telephony

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// MediaWriter is the outbound half of a media stream. The TTS client writes
// synthesized audio through it and the barge-in executor clears it.
type MediaWriter interface {
	// SendMedia ships one μ-law 8 kHz audio chunk to the caller.
	SendMedia(ctx context.Context, mulaw []byte) error

	// SendClear drops any audio the carrier has buffered but not yet played.
	SendClear(ctx context.Context) error

	// SendMark schedules a named mark echoed back after buffered audio plays.
	SendMark(ctx context.Context, name string) error
}

// Conn wraps a media-stream WebSocket with a mutex-guarded writer so TTS
// forwarding and barge-in clears never interleave frames.
type Conn struct {
	streamSID string

	mu sync.Mutex
	ws *websocket.Conn
}

var _ MediaWriter = (*Conn)(nil)

// NewConn wraps an accepted media-stream socket for a given stream.
func NewConn(ws *websocket.Conn, streamSID string) *Conn {
	return &Conn{ws: ws, streamSID: streamSID}
}

// StreamSID returns the stream this writer belongs to.
func (c *Conn) StreamSID() string { return c.streamSID }

// SendMedia implements [MediaWriter].
func (c *Conn) SendMedia(ctx context.Context, mulaw []byte) error {
	data, err := encodeMedia(c.streamSID, base64.StdEncoding.EncodeToString(mulaw))
	if err != nil {
		return fmt.Errorf("telephony: encode media frame: %w", err)
	}
	return c.write(ctx, data)
}

// SendClear implements [MediaWriter].
func (c *Conn) SendClear(ctx context.Context) error {
	data, err := encodeClear(c.streamSID)
	if err != nil {
		return fmt.Errorf("telephony: encode clear frame: %w", err)
	}
	return c.write(ctx, data)
}

// SendMark implements [MediaWriter].
func (c *Conn) SendMark(ctx context.Context, name string) error {
	data, err := encodeMark(c.streamSID, name)
	if err != nil {
		return fmt.Errorf("telephony: encode mark frame: %w", err)
	}
	return c.write(ctx, data)
}

func (c *Conn) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
