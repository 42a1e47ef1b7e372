package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/session"
)

// StartInfo carries the fields of a media-stream start event that the rest of
// the system cares about.
type StartInfo struct {
	StreamSID  string
	CallSID    string
	AccountSID string

	// From is the caller's phone number, delivered through the TwiML custom
	// parameter of the same name.
	From string

	Custom map[string]string
}

// SessionEvents is implemented by the orchestrator. The handler translates
// wire frames into these calls; it never touches dialog state itself.
type SessionEvents interface {
	// OnStreamStart fires once per stream after the start frame. The writer
	// stays valid until OnStreamStop.
	OnStreamStart(ctx context.Context, info StartInfo, w MediaWriter)

	// OnFirstMedia fires when the first inbound audio chunk arrives.
	OnFirstMedia(streamSID string)

	// OnInboundAudio delivers decoded μ-law caller audio.
	OnInboundAudio(streamSID string, mulaw []byte)

	// OnMark reports a mark echoed back by the carrier.
	OnMark(streamSID, name string)

	// OnStreamStop fires exactly once when the stream ends, whether by a stop
	// frame or a dropped connection.
	OnStreamStop(streamSID string)
}

// Handler serves the media-stream WebSocket endpoint.
type Handler struct {
	log      *slog.Logger
	registry *session.Registry
	events   SessionEvents
}

// NewHandler creates the media-stream endpoint handler.
func NewHandler(log *slog.Logger, registry *session.Registry, events SessionEvents) *Handler {
	return &Handler{log: log, registry: registry, events: events}
}

// ServeHTTP upgrades the request and runs the frame loop until the stream
// ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The carrier does not send an Origin header browsers would.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Error("media stream accept failed", "error", err)
		return
	}
	defer ws.CloseNow()

	h.readLoop(r.Context(), ws)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn) {
	var (
		streamSID  string
		firstMedia bool
		stopped    bool
	)
	defer func() {
		if streamSID != "" && !stopped {
			h.events.OnStreamStop(streamSID)
		}
	}()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				h.log.Info("media stream closed", "stream_sid", streamSID)
			} else {
				h.log.Warn("media stream read failed", "stream_sid", streamSID, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			// Binary frames are not part of the protocol.
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.Warn("undecodable media frame", "stream_sid", streamSID, "error", err)
			continue
		}

		switch f.Event {
		case "connected":
			// Handshake preamble, nothing to do yet.

		case "start":
			if f.Start == nil {
				continue
			}
			streamSID = f.Start.StreamSID
			if streamSID == "" {
				streamSID = f.StreamSID
			}

			if h.registry.IsEndingCallSID(f.Start.CallSID) {
				h.log.Info("refusing reconnect for ending call",
					"call_sid", f.Start.CallSID, "stream_sid", streamSID)
				ws.Close(websocket.StatusNormalClosure, "call ended")
				streamSID = ""
				return
			}

			info := StartInfo{
				StreamSID:  streamSID,
				CallSID:    f.Start.CallSID,
				AccountSID: f.Start.AccountSID,
				From:       f.Start.CustomParameters["from"],
				Custom:     f.Start.CustomParameters,
			}
			h.log.Info("media stream started",
				"stream_sid", streamSID, "call_sid", info.CallSID, "from", info.From)
			h.events.OnStreamStart(ctx, info, NewConn(ws, streamSID))

		case "media":
			if f.Media == nil || streamSID == "" {
				continue
			}
			if f.Media.Track != "inbound" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(f.Media.Payload)
			if err != nil {
				h.log.Warn("undecodable media payload", "stream_sid", streamSID, "error", err)
				continue
			}
			if !firstMedia {
				firstMedia = true
				h.events.OnFirstMedia(streamSID)
			}
			h.events.OnInboundAudio(streamSID, audio)

		case "mark":
			if f.Mark != nil && streamSID != "" {
				h.events.OnMark(streamSID, f.Mark.Name)
			}

		case "stop", "close":
			if streamSID != "" {
				h.log.Info("media stream stopping", "stream_sid", streamSID)
				stopped = true
				h.events.OnStreamStop(streamSID)
			}
			return

		default:
			h.log.Debug("unhandled media event", "event", f.Event, "stream_sid", streamSID)
		}
	}
}
