package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

// grblLegacy is Grbl 0.9: comma separated status reports, symbolic error
// messages and no realtime overrides or jog command.
type grblLegacy struct{}

func NewGrblLegacy() Dialect { return grblLegacy{} }

func (grblLegacy) Name() string     { return "grbl-legacy" }
func (grblLegacy) DefaultBaud() int { return 115200 }

func (grblLegacy) Identify() []Frame { return []Frame{Line("$I")} }

func (grblLegacy) FormatLine(gcode string) Frame { return Line(gcode) }

// FormatJog emits a relative move bracketed by mode switches, since 0.9
// has no $J command.
func (grblLegacy) FormatJog(axis Axis, distance, feed float64) ([]Frame, error) {
	args, err := jogArgs(axis, distance, feed)
	if err != nil {
		return nil, err
	}
	return []Frame{Line("G91"), Line("G1 " + args), Line("G90")}, nil
}

func (grblLegacy) FormatHome() []Frame { return []Frame{Line("$H")} }

func (grblLegacy) FormatOverride(kind OverrideKind, current, _ int) ([]Frame, int, error) {
	return nil, current, faults.InvalidParameter("%s override is not supported by grbl 0.9", kind)
}

func (grblLegacy) StatusQuery() Frame {
	return Frame{Text: "?", Realtime: true, Query: true}
}

func (grblLegacy) SoftReset() []Frame {
	return []Frame{Realtime("<soft-reset>", grblSoftReset)}
}

func (grblLegacy) ResetGreets() bool { return true }

func (grblLegacy) Unlock() []Frame { return []Frame{Line("$X")} }

// IsCritical matches the lock-out message sent while an alarm is active.
func (grblLegacy) IsCritical(code string) bool {
	return strings.EqualFold(code, "Alarm lock")
}

func (g grblLegacy) IsLockout(code string) bool { return g.IsCritical(code) }

func (grblLegacy) ErrorsTrailedByOk() bool { return false }

func (d grblLegacy) ParseResponse(raw string) ParsedResponse {
	line := strings.TrimSpace(raw)
	switch {
	case line == "":
		return unparseable(raw, "empty line")
	case line == "ok":
		return ParsedResponse{Kind: ResponseOk, Raw: raw}
	case strings.HasPrefix(line, "error:"):
		return ParsedResponse{Kind: ResponseError, Code: strings.TrimSpace(line[len("error:"):]), Raw: raw}
	case strings.HasPrefix(line, "ALARM:"):
		return ParsedResponse{Kind: ResponseAlarm, Code: strings.TrimSpace(line[len("ALARM:"):]), Raw: raw}
	case line[0] == '<':
		st, err := d.ParseStatus(line)
		if err != nil {
			r := unparseable(raw, err.Error())
			r.Telemetry = true
			return r
		}
		return ParsedResponse{Kind: ResponseStatus, Status: st, Telemetry: true, Raw: raw}
	case strings.HasPrefix(line, "Grbl "):
		v, _, _ := strings.Cut(line, " [")
		return ParsedResponse{Kind: ResponseVersion, Text: v, Raw: raw}
	}

	if inner, ok := bracketed(line); ok {
		// $I answers "[0.9j.20160726:]".
		if v, ok := legacyBuildInfo(inner); ok {
			return ParsedResponse{Kind: ResponseVersion, Text: "Grbl " + v, Raw: raw}
		}
		return ParsedResponse{Kind: ResponseFeedback, Text: inner, Raw: raw}
	}
	if line[0] == '$' {
		return ParsedResponse{Kind: ResponseFeedback, Text: line, Raw: raw}
	}
	return unparseable(raw, "unrecognised line")
}

func legacyBuildInfo(inner string) (string, bool) {
	v := strings.TrimSuffix(inner, ":")
	if v == inner || v == "" || v[0] < '0' || v[0] > '9' {
		return "", false
	}
	return v, true
}

func (grblLegacy) ParseStatus(raw string) (status.MachineStatus, error) {
	state, fields, err := splitCommaReport(raw)
	if err != nil {
		return status.MachineStatus{}, err
	}

	st := status.MachineStatus{State: status.ParseMachineState(state)}
	var pos positions
	var planner, rx status.Optional[int]
	for _, f := range fields {
		switch f.key {
		case "MPos", "WPos":
			p, err := parsePosition(f.value)
			if err != nil {
				return status.MachineStatus{}, fmt.Errorf("field %s: %w", f.key, err)
			}
			if f.key == "MPos" {
				pos.mpos = status.Some(p)
			} else {
				pos.wpos = status.Some(p)
			}
		case "Buf", "RX":
			n, err := strconv.Atoi(strings.TrimSpace(f.value))
			if err != nil {
				return status.MachineStatus{}, fmt.Errorf("field %s: bad integer %q", f.key, f.value)
			}
			if f.key == "Buf" {
				planner = status.Some(n)
			} else {
				rx = status.Some(n)
			}
		case "F":
			v, err := strconv.ParseFloat(strings.TrimSpace(f.value), 64)
			if err != nil {
				return status.MachineStatus{}, fmt.Errorf("field F: bad number %q", f.value)
			}
			st.FeedRate = status.Some(v)
		case "S":
			v, err := strconv.ParseFloat(strings.TrimSpace(f.value), 64)
			if err != nil {
				return status.MachineStatus{}, fmt.Errorf("field S: bad number %q", f.value)
			}
			st.SpindleSpeed = status.Some(v)
		case "Ln":
			n, err := strconv.Atoi(strings.TrimSpace(f.value))
			if err != nil {
				return status.MachineStatus{}, fmt.Errorf("field Ln: bad integer %q", f.value)
			}
			st.LineNumber = status.Some(n)
		}
	}
	if planner.Valid && rx.Valid {
		st.Buffer = status.Some(status.BufferFill{PlannerBlocks: planner.Value, RxBytes: rx.Value})
	}
	if err := pos.resolve(&st); err != nil {
		return status.MachineStatus{}, err
	}
	return st, nil
}
