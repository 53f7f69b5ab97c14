package status

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

type MachineState string

const (
	StateIdle    MachineState = "Idle"
	StateRun     MachineState = "Run"
	StateJog     MachineState = "Jog"
	StateHome    MachineState = "Home"
	StateHold    MachineState = "Hold"
	StateDoor    MachineState = "Door"
	StateAlarm   MachineState = "Alarm"
	StateCheck   MachineState = "Check"
	StateSleep   MachineState = "Sleep"
	StateUnknown MachineState = "Unknown"
)

var knownStates = map[string]MachineState{
	"idle":  StateIdle,
	"run":   StateRun,
	"jog":   StateJog,
	"home":  StateHome,
	"hold":  StateHold,
	"door":  StateDoor,
	"alarm": StateAlarm,
	"check": StateCheck,
	"sleep": StateSleep,
}

// ParseMachineState maps a controller state token to a MachineState.
// Substates such as "Hold:0" or "Door:1" map to their family. Anything
// unrecognised is StateUnknown.
func ParseMachineState(token string) MachineState {
	token = strings.TrimSpace(token)
	if i := strings.IndexByte(token, ':'); i >= 0 {
		token = token[:i]
	}
	if s, ok := knownStates[strings.ToLower(token)]; ok {
		return s
	}
	return StateUnknown
}

func (s MachineState) IsAlarm() bool { return s == StateAlarm }

// Position in millimetres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Position) Sub(o Position) Position {
	return Position{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

func (p Position) Add(o Position) Position {
	return Position{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

// Distance returns the euclidean distance between two positions.
func (p Position) Distance(o Position) float64 {
	d := p.Sub(o)
	return math.Sqrt(d.X*d.X + d.Y*d.Y + d.Z*d.Z)
}

// Optional holds a telemetry value that may be absent from a report.
// Absent values marshal to JSON null.
type Optional[T any] struct {
	Value T
	Valid bool
}

func Some[T any](v T) Optional[T] { return Optional[T]{Value: v, Valid: true} }

func None[T any]() Optional[T] { return Optional[T]{} }

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) { return o.Value, o.Valid }

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// BufferFill reports planner and serial receive buffer availability.
type BufferFill struct {
	PlannerBlocks int `json:"planner_blocks"`
	RxBytes       int `json:"rx_bytes"`
}

// Overrides are the active feed, rapid and spindle override percentages.
type Overrides struct {
	Feed    int `json:"feed"`
	Rapid   int `json:"rapid"`
	Spindle int `json:"spindle"`
}

// MachineStatus is a telemetry snapshot. It is a plain value: copies share
// no memory with the original.
type MachineStatus struct {
	State           MachineState         `json:"state"`
	MachinePos      Position             `json:"machine_pos"`
	WorkPos         Optional[Position]   `json:"work_pos"`
	FeedRate        Optional[float64]    `json:"feed_rate"`
	SpindleSpeed    Optional[float64]    `json:"spindle_speed"`
	Buffer          Optional[BufferFill] `json:"buffer"`
	Overrides       Optional[Overrides]  `json:"overrides"`
	LineNumber      Optional[int]        `json:"line_number"`
	FirmwareVersion string               `json:"firmware_version,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
}

// Unknown returns the status reported before any telemetry arrived.
func Unknown() MachineStatus {
	return MachineStatus{State: StateUnknown}
}
