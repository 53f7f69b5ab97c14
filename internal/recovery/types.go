package recovery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
)

type Mode int

const (
	ModeNormal Mode = iota
	ModeRecovering
	ModeExhausted
)

func (m Mode) String() string {
	switch m {
	case ModeRecovering:
		return "RECOVERING"
	case ModeExhausted:
		return "EXHAUSTED"
	default:
		return "NORMAL"
	}
}

func (m Mode) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

type Action string

const (
	ActionReconnect       Action = "reconnect"
	ActionResetController Action = "reset_controller"
	ActionRetryCommand    Action = "retry_command"
	// ActionSurface hands the failure to the caller without a recovery
	// attempt.
	ActionSurface Action = "surface"
)

// ActionRecord is one entry of the append-only action log.
type ActionRecord struct {
	ID        string    `json:"id"`
	Episode   string    `json:"episode"`
	Action    Action    `json:"action"`
	Kind      string    `json:"kind"`
	Cause     string    `json:"cause"`
	Line      int       `json:"line,omitempty"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is a snapshot of the engine. Log is a copy.
type State struct {
	Mode      Mode           `json:"mode"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	Log       []ActionRecord `json:"log"`
}

func (s State) Recovering() bool { return s.Mode == ModeRecovering }

type Config struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	AutoRecover     bool          `mapstructure:"auto_recover"`
	ResetOnCritical bool          `mapstructure:"reset_on_critical"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryDelay:      time.Second,
		AutoRecover:     true,
		ResetOnCritical: true,
	}
}

// ExhaustedError is returned once the retry budget of an episode is spent.
// The machine may be in an unknown state; it is never retried.
type ExhaustedError struct {
	Line  int
	Cause error
	Log   []ActionRecord
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("recovery exhausted after %d actions: %v", len(e.Log), e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

func (e *ExhaustedError) Kind() faults.Kind { return faults.KindRecoveryExhausted }
