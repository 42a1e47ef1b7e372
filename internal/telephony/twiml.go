package telephony

import (
	"encoding/xml"
	"log/slog"
	"net/http"
)

// TwiML document shape for <Connect><Stream>.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// TwiMLHandler answers the carrier's voice webhook with a connect document
// pointing at the media-stream WebSocket. The caller number travels as a
// custom stream parameter because the start frame does not carry it.
type TwiMLHandler struct {
	log *slog.Logger

	// StreamURL is the public wss:// address of the media-stream endpoint.
	StreamURL string
}

// NewTwiMLHandler creates the voice webhook handler.
func NewTwiMLHandler(log *slog.Logger, streamURL string) *TwiMLHandler {
	return &TwiMLHandler{log: log, StreamURL: streamURL}
}

// ServeHTTP implements the POST /twiml webhook.
func (h *TwiMLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.log.Warn("twiml webhook form parse failed", "error", err)
	}
	from := r.PostFormValue("From")
	callSID := r.PostFormValue("CallSid")
	h.log.Info("twiml webhook", "from", from, "call_sid", callSID)

	doc := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{
				URL: h.StreamURL,
				Parameters: []twimlParameter{
					{Name: "from", Value: from},
				},
			},
		},
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		h.log.Error("twiml marshal failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(xml.Header))
	w.Write(out)
}
