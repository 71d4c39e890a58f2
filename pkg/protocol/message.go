// Package protocol defines the Twilio Media Streams WebSocket messages
// exchanged on a call's media leg.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EventType identifies the type of a media stream message.
type EventType string

const (
	// Twilio → agent
	EventConnected EventType = "connected" // First message on the socket
	EventStart     EventType = "start"     // Stream metadata
	EventMedia     EventType = "media"     // Caller audio (µ-law, base64)
	EventStop      EventType = "stop"      // Call ended or stream stopped
	EventDTMF      EventType = "dtmf"      // Keypad digit

	// Bidirectional
	EventMark EventType = "mark" // Playback marker; echoed back when played

	// Agent → Twilio
	EventClear EventType = "clear" // Drop buffered outbound audio
)

// TrackInbound is the caller's side of the call.
const TrackInbound = "inbound"

// Message is the envelope for every media stream message. Only the field
// matching Event is populated.
type Message struct {
	Event          EventType `json:"event"`
	SequenceNumber string    `json:"sequenceNumber,omitempty"`
	StreamSID      string    `json:"streamSid,omitempty"`

	// Set on connected
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	Start *StartData `json:"start,omitempty"`
	Media *MediaData `json:"media,omitempty"`
	Stop  *StopData  `json:"stop,omitempty"`
	Mark  *MarkData  `json:"mark,omitempty"`
	DTMF  *DTMFData  `json:"dtmf,omitempty"`
}

// StartData describes the stream once Twilio has set it up.
type StartData struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the encoding of media payloads.
type MediaFormat struct {
	Encoding   string `json:"encoding"` // "audio/x-mulaw"
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaData carries one audio frame.
type MediaData struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 µ-law
}

// StopData identifies the call that stopped.
type StopData struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// MarkData names a playback marker.
type MarkData struct {
	Name string `json:"name"`
}

// DTMFData carries a keypad digit.
type DTMFData struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// Error reports a message that could not be understood.
type Error struct {
	Event  EventType
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "protocol"
	if e.Event != "" {
		msg += " [" + string(e.Event) + "]"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ParseMessage parses and validates a message. Unknown event types are
// returned as-is so callers can ignore them.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &Error{Reason: "malformed message", Err: err}
	}
	if msg.Event == "" {
		return nil, &Error{Reason: "missing event"}
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *Message) validate() error {
	switch m.Event {
	case EventStart:
		if m.Start == nil {
			return &Error{Event: m.Event, Reason: "missing start"}
		}
		if m.StreamSID == "" {
			m.StreamSID = m.Start.StreamSID
		}
		if m.StreamSID == "" {
			return &Error{Event: m.Event, Reason: "missing streamSid"}
		}
	case EventMedia:
		if m.Media == nil || m.Media.Payload == "" {
			return &Error{Event: m.Event, Reason: "missing payload"}
		}
	}
	return nil
}

// Bytes returns the JSON-encoded message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// IsInbound reports whether the frame is caller audio. Twilio omits the
// track on single-track streams.
func (d *MediaData) IsInbound() bool {
	return d.Track == "" || d.Track == TrackInbound
}

// Decode returns the raw µ-law bytes.
func (d *MediaData) Decode() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(d.Payload)
	if err != nil {
		return nil, &Error{Event: EventMedia, Reason: "invalid payload", Err: err}
	}
	return b, nil
}

// NewMediaMessage creates an outbound audio frame.
func NewMediaMessage(streamSID string, ulaw []byte) *Message {
	return &Message{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaData{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	}
}

// NewClearMessage creates a message that drops audio Twilio has buffered
// but not yet played.
func NewClearMessage(streamSID string) *Message {
	return &Message{Event: EventClear, StreamSID: streamSID}
}

// NewMarkMessage creates a playback marker. Twilio echoes it back once
// the audio sent before it has played.
func NewMarkMessage(streamSID, name string) *Message {
	return &Message{Event: EventMark, StreamSID: streamSID, Mark: &MarkData{Name: name}}
}

// String is used in logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s(%s)", m.Event, m.StreamSID)
}
