package status

import (
	"encoding/json"
	"fmt"
)

type ConnectionPhase int

const (
	Disconnected ConnectionPhase = iota
	Connecting
	Connected
	ConnectionError
)

func (p ConnectionPhase) String() string {
	switch p {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case ConnectionError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ConnectionState is owned by the protocol adapter. Reason is only set
// for ConnectionError.
type ConnectionState struct {
	Phase  ConnectionPhase `json:"-"`
	Reason string          `json:"reason,omitempty"`
}

func (c ConnectionState) String() string {
	if c.Phase == ConnectionError {
		return fmt.Sprintf("%s(%s)", c.Phase, c.Reason)
	}
	return c.Phase.String()
}

func (c ConnectionState) IsConnected() bool { return c.Phase == Connected }

func (c ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Phase  string `json:"phase"`
		Reason string `json:"reason,omitempty"`
	}{c.Phase.String(), c.Reason})
}

func ErrorState(reason string) ConnectionState {
	return ConnectionState{Phase: ConnectionError, Reason: reason}
}
