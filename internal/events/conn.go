package events

// ConnState is the health of the push channel. It is written only by the
// transport and sampled by everything else.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnFailed       ConnState = "failed"
)

// Live reports whether the push channel is delivering events.
func (s ConnState) Live() bool { return s == ConnConnected }
