package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

// marlin is Marlin firmware in laser mode. Status comes from M114, which
// reports positions only; the machine state is always Unknown. Every
// command, M114 included, is answered with "ok", and errors are followed
// by the "ok" of the same command.
type marlin struct{}

func NewMarlin() Dialect { return marlin{} }

func (marlin) Name() string     { return "marlin" }
func (marlin) DefaultBaud() int { return 250000 }

func (marlin) Identify() []Frame { return []Frame{Line("M115")} }

func (marlin) FormatLine(gcode string) Frame { return Line(gcode) }

func (marlin) FormatJog(axis Axis, distance, feed float64) ([]Frame, error) {
	args, err := jogArgs(axis, distance, feed)
	if err != nil {
		return nil, err
	}
	return []Frame{Line("G91"), Line("G1 " + args), Line("G90")}, nil
}

func (marlin) FormatHome() []Frame { return []Frame{Line("G28")} }

func (marlin) FormatOverride(kind OverrideKind, current, delta int) ([]Frame, int, error) {
	if kind != OverrideFeed {
		return nil, current, faults.InvalidParameter("%s override is not supported by marlin", kind)
	}
	next := nextOverride(current, delta)
	return []Frame{Line(fmt.Sprintf("M220 S%d", next))}, next, nil
}

func (marlin) StatusQuery() Frame {
	f := Line("M114")
	f.Query = true
	return f
}

// SoftReset clears a halted state. Marlin keeps no planner state worth
// flushing over serial and prints no greeting.
func (marlin) SoftReset() []Frame { return []Frame{Line("M999")} }

func (marlin) ResetGreets() bool { return false }

func (marlin) Unlock() []Frame { return nil }

func (marlin) IsCritical(code string) bool { return isMarlinHalt(code) }

// Marlin halts instead of latching an alarm.
func (marlin) IsLockout(string) bool { return false }

func (marlin) ErrorsTrailedByOk() bool { return true }

func isMarlinHalt(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "printer halted") ||
		strings.Contains(m, "kill() called") ||
		strings.Contains(m, "thermal runaway")
}

func (d marlin) ParseResponse(raw string) ParsedResponse {
	line := strings.TrimSpace(raw)
	switch {
	case line == "":
		return unparseable(raw, "empty line")
	case line == "ok" || strings.HasPrefix(line, "ok "):
		return ParsedResponse{Kind: ResponseOk, Raw: raw}
	case strings.HasPrefix(line, "Error:"), strings.HasPrefix(line, "error:"):
		msg := strings.TrimSpace(line[len("Error:"):])
		if isMarlinHalt(msg) {
			return ParsedResponse{Kind: ResponseAlarm, Code: msg, Raw: raw}
		}
		return ParsedResponse{Kind: ResponseError, Code: msg, Raw: raw}
	case strings.HasPrefix(line, "!!"):
		return ParsedResponse{Kind: ResponseAlarm, Code: strings.TrimSpace(line[2:]), Raw: raw}
	case strings.HasPrefix(line, "FIRMWARE_NAME:"):
		return ParsedResponse{Kind: ResponseVersion, Text: marlinFirmwareName(line), Raw: raw}
	case strings.HasPrefix(line, "X:"):
		st, err := d.ParseStatus(line)
		if err != nil {
			r := unparseable(raw, err.Error())
			r.Telemetry = true
			return r
		}
		return ParsedResponse{Kind: ResponseStatus, Status: st, Telemetry: true, Raw: raw}
	}
	// echo:, //action:, Resend:, temperature reports and boot chatter.
	return ParsedResponse{Kind: ResponseFeedback, Text: line, Raw: raw}
}

// marlinFirmwareName extracts "Marlin 2.1.2.1" from an M115 reply.
func marlinFirmwareName(line string) string {
	v := strings.TrimPrefix(line, "FIRMWARE_NAME:")
	for _, stop := range []string{" (", " SOURCE_CODE_URL:", " PROTOCOL_VERSION:"} {
		if i := strings.Index(v, stop); i >= 0 {
			v = v[:i]
		}
	}
	return strings.TrimSpace(v)
}

// ParseStatus reads "X:10.00 Y:5.00 Z:-2.00 E:0.00 Count X:800 Y:400 Z:-80".
// The stepper counts after "Count" are ignored.
func (marlin) ParseStatus(raw string) (status.MachineStatus, error) {
	line := strings.TrimSpace(raw)
	if i := strings.Index(line, " Count"); i >= 0 {
		line = line[:i]
	}

	var x, y, z status.Optional[float64]
	for _, tok := range strings.Fields(line) {
		key, value, ok := strings.Cut(tok, ":")
		if !ok {
			return status.MachineStatus{}, fmt.Errorf("malformed token %q", tok)
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return status.MachineStatus{}, fmt.Errorf("axis %s: bad number %q", key, value)
		}
		switch key {
		case "X":
			x = status.Some(v)
		case "Y":
			y = status.Some(v)
		case "Z":
			z = status.Some(v)
		}
	}
	if !x.Valid || !y.Valid || !z.Valid {
		return status.MachineStatus{}, fmt.Errorf("position report missing an axis")
	}

	return status.MachineStatus{
		State:      status.StateUnknown,
		MachinePos: status.Position{X: x.Value, Y: y.Value, Z: z.Value},
	}, nil
}
