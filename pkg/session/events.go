package session

// Event is a transport event routed to a session by the registry.
type Event interface {
	event()
}

// CallStarted carries the telephony identifiers of the stream.
type CallStarted struct {
	CallID   string
	StreamID string
}

// AudioFrame carries caller audio in the telephony codec (G.711 µ-law).
type AudioFrame struct {
	Payload []byte
}

// CallStopped means the call ended.
type CallStopped struct{}

// ConnectionClosed means the media socket went away.
type ConnectionClosed struct{}

func (CallStarted) event()      {}
func (AudioFrame) event()       {}
func (CallStopped) event()      {}
func (ConnectionClosed) event() {}

// Terminal reports whether ev ends the session.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case CallStopped, *CallStopped, ConnectionClosed, *ConnectionClosed:
		return true
	}
	return false
}
