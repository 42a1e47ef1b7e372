// Package telephony implements the carrier-facing side of the agent: the
// media-stream WebSocket endpoint, the TwiML connect document, and the voice
// access token. Frames follow the Twilio Media Streams protocol: JSON text
// messages carrying base64 μ-law audio at 8 kHz.
package telephony

import "encoding/json"

// frame is the envelope of every inbound media-stream message. Only the
// fields for the current event are populated.
type frame struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSID      string      `json:"streamSid,omitempty"`
	Start          *startFrame `json:"start,omitempty"`
	Media          *mediaFrame `json:"media,omitempty"`
	Mark           *markFrame  `json:"mark,omitempty"`
	Stop           *stopFrame  `json:"stop,omitempty"`
}

type startFrame struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaFrame struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type markFrame struct {
	Name string `json:"name"`
}

type stopFrame struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// outMedia is the outbound audio frame.
type outMedia struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Media     outMediaPayload `json:"media"`
}

type outMediaPayload struct {
	Payload string `json:"payload"`
}

// outClear tells the carrier to drop any buffered outbound audio.
type outClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// outMark asks the carrier to echo a mark once buffered audio has played out.
type outMark struct {
	Event     string  `json:"event"`
	StreamSID string  `json:"streamSid"`
	Mark      outName `json:"mark"`
}

type outName struct {
	Name string `json:"name"`
}

func encodeMedia(streamSID, payload string) ([]byte, error) {
	return json.Marshal(outMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media:     outMediaPayload{Payload: payload},
	})
}

func encodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outClear{Event: "clear", StreamSID: streamSID})
}

func encodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(outMark{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      outName{Name: name},
	})
}
