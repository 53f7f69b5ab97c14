package websocket

import (
	"time"

	"github.com/KevinKickass/OpenLaserCore/internal/events"
)

// MessageType defines the type of WebSocket message
type MessageType = events.Type

const (
	MessageTypeMachineStatus   = events.MachineStatus
	MessageTypeStateTransition = events.StateTransition
	MessageTypeConnectionState = events.ConnectionState

	MessageTypeConsoleMessage = events.ConsoleMessage
	MessageTypeRecoveryAction = events.RecoveryAction
	MessageTypeJobEvent       = events.JobEvent

	MessageTypeSnapshot = events.Snapshot
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
