package protocol

import (
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

// smoothie is Smoothieware. Its reports follow the Grbl shape but feed and
// spindle fields carry the override percentage as a second value, and
// overrides are set with absolute M-codes.
type smoothie struct{}

func NewSmoothie() Dialect { return smoothie{} }

func (smoothie) Name() string     { return "smoothie" }
func (smoothie) DefaultBaud() int { return 115200 }

func (smoothie) Identify() []Frame { return []Frame{Line("version")} }

func (smoothie) FormatLine(gcode string) Frame { return Line(gcode) }

func (smoothie) FormatJog(axis Axis, distance, feed float64) ([]Frame, error) {
	args, err := jogArgs(axis, distance, feed)
	if err != nil {
		return nil, err
	}
	return []Frame{Line("$J " + args)}, nil
}

func (smoothie) FormatHome() []Frame { return []Frame{Line("$H")} }

func (smoothie) FormatOverride(kind OverrideKind, current, delta int) ([]Frame, int, error) {
	var code string
	switch kind {
	case OverrideFeed:
		code = "M220"
	case OverrideSpindle:
		// M221 scales laser power on Smoothie.
		code = "M221"
	default:
		return nil, current, faults.InvalidParameter("unsupported override %q", kind)
	}
	next := nextOverride(current, delta)
	return []Frame{Line(fmt.Sprintf("%s S%d", code, next))}, next, nil
}

func (smoothie) StatusQuery() Frame {
	return Frame{Text: "?", Realtime: true, Query: true}
}

func (smoothie) SoftReset() []Frame {
	return []Frame{Realtime("<halt>", grblSoftReset)}
}

func (smoothie) ResetGreets() bool { return false }

func (smoothie) Unlock() []Frame { return []Frame{Line("$X")} }

func (smoothie) IsCritical(code string) bool {
	return strings.EqualFold(code, "Alarm lock")
}

func (s smoothie) IsLockout(code string) bool { return s.IsCritical(code) }

func (smoothie) ErrorsTrailedByOk() bool { return false }

func (d smoothie) ParseResponse(raw string) ParsedResponse {
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
	case line == "!!":
		// Sent while halted after a limit hit or kill button.
		return ParsedResponse{Kind: ResponseAlarm, Code: "halted", Raw: raw}
	case line[0] == '<':
		st, err := d.ParseStatus(line)
		if err != nil {
			r := unparseable(raw, err.Error())
			r.Telemetry = true
			return r
		}
		return ParsedResponse{Kind: ResponseStatus, Status: st, Telemetry: true, Raw: raw}
	case strings.HasPrefix(line, "Build version:"):
		// "Build version: edge-3332442, Build date: ..., MCU: LPC1769, ..."
		v, _, _ := strings.Cut(strings.TrimSpace(line[len("Build version:"):]), ",")
		return ParsedResponse{Kind: ResponseVersion, Text: "Smoothieware " + strings.TrimSpace(v), Raw: raw}
	}
	if inner, ok := bracketed(line); ok {
		return ParsedResponse{Kind: ResponseFeedback, Text: inner, Raw: raw}
	}
	return ParsedResponse{Kind: ResponseFeedback, Text: line, Raw: raw}
}

func (smoothie) ParseStatus(raw string) (status.MachineStatus, error) {
	split := splitPipeReport
	if !strings.Contains(raw, "|") {
		split = splitCommaReport
	}
	state, fields, err := split(raw)
	if err != nil {
		return status.MachineStatus{}, err
	}

	st := status.MachineStatus{State: status.ParseMachineState(state)}
	var pos positions
	var ov status.Overrides
	var hasFeedOv, hasSpindleOv bool
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
		case "F", "S":
			v, err := parseFloats(f.value, 1)
			if err != nil {
				return status.MachineStatus{}, fmt.Errorf("field %s: %w", f.key, err)
			}
			if f.key == "F" {
				st.FeedRate = status.Some(v[0])
				if len(v) > 1 {
					ov.Feed, hasFeedOv = int(v[1]), true
				}
			} else {
				st.SpindleSpeed = status.Some(v[0])
				if len(v) > 1 {
					ov.Spindle, hasSpindleOv = int(v[1]), true
				}
			}
		}
	}
	if hasFeedOv || hasSpindleOv {
		// Smoothie has no rapid override; unreported parts read as 100%.
		ov.Rapid = overrideDefault
		if !hasFeedOv {
			ov.Feed = overrideDefault
		}
		if !hasSpindleOv {
			ov.Spindle = overrideDefault
		}
		st.Overrides = status.Some(ov)
	}
	if err := pos.resolve(&st); err != nil {
		return status.MachineStatus{}, err
	}
	return st, nil
}
