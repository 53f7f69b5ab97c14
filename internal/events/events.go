// Package events names the live events the machine and job layers publish
// and the sink they publish to. Transports such as the websocket hub
// implement Publisher; publishers never depend on a transport.
package events

import "time"

type Type string

const (
	MachineStatus   Type = "machine_status"
	StateTransition Type = "state_transition"
	ConnectionState Type = "connection_state"

	ConsoleMessage Type = "console_message"
	RecoveryAction Type = "recovery_action"
	JobEvent       Type = "job_event"

	// Sent once to every client after registration
	Snapshot Type = "snapshot"
)

// Publisher fans an event out to live subscribers. Publish must not block.
type Publisher interface {
	Publish(t Type, data any)
}

type Transition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

type Connection struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Type, any) {}
