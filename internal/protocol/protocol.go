// Package protocol talks to motion controllers. A Dialect formats commands
// and parses replies for one firmware family; the Adapter owns the
// transport and drives any Dialect through the same operations.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

// Frame is one unit written to the wire. Line frames are newline
// terminated and acknowledged by the controller; realtime frames are raw
// bytes that are never acknowledged.
type Frame struct {
	Text     string
	Realtime bool
	// Query marks the dialect's status query.
	Query bool
	// Label is shown instead of Text for unprintable realtime frames.
	Label string
}

// Line builds an acknowledged line frame.
func Line(gcode string) Frame {
	return Frame{Text: strings.TrimRight(gcode, "\r\n") + "\n"}
}

// Realtime builds an unacknowledged frame from raw bytes.
func Realtime(label string, b ...byte) Frame {
	return Frame{Text: string(b), Realtime: true, Label: label}
}

// Command is the frame text without line terminator.
func (f Frame) Command() string { return strings.TrimRight(f.Text, "\r\n") }

// Display is the text recorded in transcripts.
func (f Frame) Display() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Command()
}

type Axis rune

const (
	AxisX Axis = 'X'
	AxisY Axis = 'Y'
	AxisZ Axis = 'Z'
)

func (a Axis) String() string { return string(a) }

// ParseAxis accepts only the three linear axes of the status model.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "X":
		return AxisX, nil
	case "Y":
		return AxisY, nil
	case "Z":
		return AxisZ, nil
	}
	return 0, faults.InvalidParameter("unsupported axis %q", s)
}

func (a Axis) valid() bool { return a == AxisX || a == AxisY || a == AxisZ }

type OverrideKind string

const (
	OverrideFeed    OverrideKind = "feed"
	OverrideSpindle OverrideKind = "spindle"
)

const (
	overrideMin     = 10
	overrideMax     = 200
	overrideDefault = 100
)

// nextOverride applies delta to the current percentage. A zero delta
// restores 100%.
func nextOverride(current, delta int) int {
	if delta == 0 {
		return overrideDefault
	}
	next := current + delta
	if next < overrideMin {
		next = overrideMin
	}
	if next > overrideMax {
		next = overrideMax
	}
	return next
}

type ResponseKind int

const (
	ResponseUnparseable ResponseKind = iota
	ResponseOk
	ResponseError
	ResponseAlarm
	ResponseFeedback
	ResponseVersion
	ResponseStatus
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseOk:
		return "ok"
	case ResponseError:
		return "error"
	case ResponseAlarm:
		return "alarm"
	case ResponseFeedback:
		return "feedback"
	case ResponseVersion:
		return "version"
	case ResponseStatus:
		return "status"
	default:
		return "unparseable"
	}
}

// ParsedResponse is the classification of one inbound line.
type ParsedResponse struct {
	Kind ResponseKind
	// Code is the error or alarm code, numeric or symbolic.
	Code string
	// Text is the feedback or version text, or the parse failure reason.
	Text string
	// Status is set for ResponseStatus.
	Status status.MachineStatus
	// Telemetry is set for status reports, including malformed ones.
	Telemetry bool
	Raw       string
}

// NumericCode returns Code as an integer when it is one.
func (r ParsedResponse) NumericCode() (int, bool) {
	n, err := strconv.Atoi(r.Code)
	return n, err == nil
}

func unparseable(raw, reason string) ParsedResponse {
	return ParsedResponse{Kind: ResponseUnparseable, Raw: raw, Text: reason}
}

// Dialect is the per-firmware capability set. Implementations are
// stateless; override percentages are tracked by the Adapter.
type Dialect interface {
	Name() string
	DefaultBaud() int

	// Identify is sent after the port opens to provoke a version reply.
	Identify() []Frame
	FormatLine(gcode string) Frame
	FormatJog(axis Axis, distance, feed float64) ([]Frame, error)
	FormatHome() []Frame
	// FormatOverride returns the frames moving the override from current
	// by delta, and the resulting percentage.
	FormatOverride(kind OverrideKind, current, delta int) ([]Frame, int, error)
	StatusQuery() Frame
	SoftReset() []Frame
	// ResetGreets reports whether the controller prints its greeting
	// after a soft reset.
	ResetGreets() bool
	Unlock() []Frame

	ParseResponse(raw string) ParsedResponse
	ParseStatus(raw string) (status.MachineStatus, error)
	// IsCritical reports error codes that need a controller reset.
	IsCritical(code string) bool
	// IsLockout reports error codes the controller answers with while an
	// alarm is latched. Such a rejection needs a reset, not a retry.
	IsLockout(code string) bool
	// ErrorsTrailedByOk is true for firmware that sends "ok" after an
	// error reply to the same command.
	ErrorsTrailedByOk() bool
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func jogArgs(axis Axis, distance, feed float64) (string, error) {
	if !axis.valid() {
		return "", faults.InvalidParameter("unsupported axis %q", string(axis))
	}
	if feed <= 0 {
		return "", faults.InvalidParameter("jog feed must be positive, got %v", feed)
	}
	return fmt.Sprintf("%s%s F%s", axis, formatCoord(distance), strconv.FormatFloat(feed, 'f', -1, 64)), nil
}
