package models

// ConnectionStatus enumerates the transport lifecycle phases.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState is one observable transport state. Reason is set only for StatusError.
type ConnectionState struct {
	Status ConnectionStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
}

// Disconnected returns the idle state.
func Disconnected() ConnectionState {
	return ConnectionState{Status: StatusDisconnected}
}

// Connecting returns the in-flight state.
func Connecting() ConnectionState {
	return ConnectionState{Status: StatusConnecting}
}

// Connected returns the live state.
func Connected() ConnectionState {
	return ConnectionState{Status: StatusConnected}
}

// Failed returns an error state carrying a human-readable reason.
func Failed(reason string) ConnectionState {
	if reason == "" {
		reason = "Unknown error"
	}
	return ConnectionState{Status: StatusError, Reason: reason}
}

func (s ConnectionState) String() string {
	if s.Status == StatusError {
		return "error(" + s.Reason + ")"
	}
	return string(s.Status)
}
