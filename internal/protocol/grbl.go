package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

// Realtime command bytes of the Grbl 1.1 family.
const (
	grblSoftReset    = 0x18
	grblFeedReset    = 0x90
	grblFeedPlus10   = 0x91
	grblFeedMinus10  = 0x92
	grblFeedPlus1    = 0x93
	grblFeedMinus1   = 0x94
	grblSpindleReset = 0x99
	grblSpindlePlus  = 0x9A
	grblSpindleMinus = 0x9B
	grblSpindlePlus1 = 0x9C
	grblSpindleMin1  = 0x9D
)

// grblFamily implements Grbl 1.1 and firmware that speaks its protocol.
type grblFamily struct {
	name     string
	baud     int
	critical map[string]bool
	version  func(line string) (string, bool)
}

// NewGrbl returns the Grbl 1.1 dialect.
func NewGrbl() Dialect {
	return &grblFamily{
		name: "grbl",
		baud: 115200,
		// error:7 is an EEPROM read failure; settings were restored to
		// defaults and the controller must be reset before it is trusted.
		critical: map[string]bool{"7": true},
		version:  grblVersion,
	}
}

// NewFluidNC returns the FluidNC dialect. FluidNC speaks the Grbl 1.1
// protocol but identifies itself differently.
func NewFluidNC() Dialect {
	return &grblFamily{
		name: "fluidnc",
		baud: 115200,
		// error:152 is an invalid machine configuration.
		critical: map[string]bool{"7": true, "152": true},
		version:  fluidncVersion,
	}
}

func (g *grblFamily) Name() string     { return g.name }
func (g *grblFamily) DefaultBaud() int { return g.baud }

func (g *grblFamily) Identify() []Frame { return []Frame{Line("$I")} }

func (g *grblFamily) FormatLine(gcode string) Frame { return Line(gcode) }

func (g *grblFamily) FormatJog(axis Axis, distance, feed float64) ([]Frame, error) {
	args, err := jogArgs(axis, distance, feed)
	if err != nil {
		return nil, err
	}
	return []Frame{Line("$J=G91 G21 " + args)}, nil
}

func (g *grblFamily) FormatHome() []Frame { return []Frame{Line("$H")} }

func (g *grblFamily) FormatOverride(kind OverrideKind, current, delta int) ([]Frame, int, error) {
	var reset, plus10, minus10, plus1, minus1 byte
	switch kind {
	case OverrideFeed:
		reset, plus10, minus10, plus1, minus1 = grblFeedReset, grblFeedPlus10, grblFeedMinus10, grblFeedPlus1, grblFeedMinus1
	case OverrideSpindle:
		reset, plus10, minus10, plus1, minus1 = grblSpindleReset, grblSpindlePlus, grblSpindleMinus, grblSpindlePlus1, grblSpindleMin1
	default:
		return nil, current, faults.InvalidParameter("unsupported override %q", kind)
	}

	next := nextOverride(current, delta)
	label := fmt.Sprintf("<%s override %d%%>", kind, next)
	if delta == 0 {
		return []Frame{Realtime(label, reset)}, next, nil
	}

	// The controller only steps by 10 and 1, so the change is decomposed.
	change := next - current
	var seq []byte
	for change >= 10 {
		seq = append(seq, plus10)
		change -= 10
	}
	for change <= -10 {
		seq = append(seq, minus10)
		change += 10
	}
	for ; change > 0; change-- {
		seq = append(seq, plus1)
	}
	for ; change < 0; change++ {
		seq = append(seq, minus1)
	}
	if len(seq) == 0 {
		return nil, next, nil
	}
	return []Frame{Realtime(label, seq...)}, next, nil
}

func (g *grblFamily) StatusQuery() Frame {
	return Frame{Text: "?", Realtime: true, Query: true}
}

func (g *grblFamily) SoftReset() []Frame {
	return []Frame{Realtime("<soft-reset>", grblSoftReset)}
}

func (g *grblFamily) ResetGreets() bool { return true }

func (g *grblFamily) Unlock() []Frame { return []Frame{Line("$X")} }

func (g *grblFamily) IsCritical(code string) bool { return g.critical[code] }

// IsLockout: error:9, G-code locked out during alarm or jog state.
func (g *grblFamily) IsLockout(code string) bool { return code == "9" }

func (g *grblFamily) ErrorsTrailedByOk() bool { return false }

func (g *grblFamily) ParseResponse(raw string) ParsedResponse {
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
		st, err := g.ParseStatus(line)
		if err != nil {
			r := unparseable(raw, err.Error())
			r.Telemetry = true
			return r
		}
		return ParsedResponse{Kind: ResponseStatus, Status: st, Telemetry: true, Raw: raw}
	}

	if v, ok := g.version(line); ok {
		return ParsedResponse{Kind: ResponseVersion, Text: v, Raw: raw}
	}
	if inner, ok := bracketed(line); ok {
		return ParsedResponse{Kind: ResponseFeedback, Text: inner, Raw: raw}
	}
	// Settings dumps ($0=10) and startup line echoes (>G54:ok).
	if line[0] == '$' || line[0] == '>' {
		return ParsedResponse{Kind: ResponseFeedback, Text: line, Raw: raw}
	}
	return unparseable(raw, "unrecognised line")
}

func (g *grblFamily) ParseStatus(raw string) (status.MachineStatus, error) {
	state, fields, err := splitPipeReport(raw)
	if err != nil {
		return status.MachineStatus{}, err
	}

	st := status.MachineStatus{State: status.ParseMachineState(state)}
	var pos positions
	for _, f := range fields {
		if err := applyGrblField(&st, &pos, f); err != nil {
			return status.MachineStatus{}, fmt.Errorf("field %s: %w", f.key, err)
		}
	}
	if err := pos.resolve(&st); err != nil {
		return status.MachineStatus{}, err
	}
	return st, nil
}

// applyGrblField decodes one field of a pipe-delimited report. Fields the
// status model does not carry (Pn, A, WCO-less extras) are ignored.
func applyGrblField(st *status.MachineStatus, pos *positions, f reportField) error {
	switch f.key {
	case "MPos":
		p, err := parsePosition(f.value)
		if err != nil {
			return err
		}
		pos.mpos = status.Some(p)
	case "WPos":
		p, err := parsePosition(f.value)
		if err != nil {
			return err
		}
		pos.wpos = status.Some(p)
	case "WCO":
		p, err := parsePosition(f.value)
		if err != nil {
			return err
		}
		pos.wco = status.Some(p)
	case "F":
		v, err := parseFloats(f.value, 1)
		if err != nil {
			return err
		}
		st.FeedRate = status.Some(v[0])
	case "S":
		v, err := parseFloats(f.value, 1)
		if err != nil {
			return err
		}
		st.SpindleSpeed = status.Some(v[0])
	case "FS":
		v, err := parseFloats(f.value, 2)
		if err != nil {
			return err
		}
		st.FeedRate = status.Some(v[0])
		st.SpindleSpeed = status.Some(v[1])
	case "Bf":
		v, err := parseInts(f.value, 2)
		if err != nil {
			return err
		}
		st.Buffer = status.Some(status.BufferFill{PlannerBlocks: v[0], RxBytes: v[1]})
	case "Ov":
		v, err := parseInts(f.value, 3)
		if err != nil {
			return err
		}
		st.Overrides = status.Some(status.Overrides{Feed: v[0], Rapid: v[1], Spindle: v[2]})
	case "Ln":
		n, err := strconv.Atoi(strings.TrimSpace(f.value))
		if err != nil {
			return fmt.Errorf("bad line number %q", f.value)
		}
		st.LineNumber = status.Some(n)
	}
	return nil
}

// FormatStatusReport renders a status in the Grbl 1.1 report grammar.
// Absent optional fields are omitted.
func FormatStatusReport(st status.MachineStatus) string {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(string(st.State))
	b.WriteString("|MPos:")
	b.WriteString(formatPosition(st.MachinePos))
	if wp, ok := st.WorkPos.Get(); ok {
		b.WriteString("|WPos:")
		b.WriteString(formatPosition(wp))
	}
	if bf, ok := st.Buffer.Get(); ok {
		fmt.Fprintf(&b, "|Bf:%d,%d", bf.PlannerBlocks, bf.RxBytes)
	}
	if ln, ok := st.LineNumber.Get(); ok {
		fmt.Fprintf(&b, "|Ln:%d", ln)
	}
	feed, hasFeed := st.FeedRate.Get()
	speed, hasSpeed := st.SpindleSpeed.Get()
	switch {
	case hasFeed && hasSpeed:
		b.WriteString("|FS:" + formatNumber(feed) + "," + formatNumber(speed))
	case hasFeed:
		b.WriteString("|F:" + formatNumber(feed))
	case hasSpeed:
		b.WriteString("|S:" + formatNumber(speed))
	}
	if ov, ok := st.Overrides.Get(); ok {
		fmt.Fprintf(&b, "|Ov:%d,%d,%d", ov.Feed, ov.Rapid, ov.Spindle)
	}
	b.WriteString(">")
	return b.String()
}

func formatNumber(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func grblVersion(line string) (string, bool) {
	// Greeting: "Grbl 1.1h ['$' for help]"
	if strings.HasPrefix(line, "Grbl ") {
		v, _, _ := strings.Cut(line, " [")
		return v, true
	}
	// Build info: "[VER:1.1h.20190825:]"
	if inner, ok := bracketed(line); ok && strings.HasPrefix(inner, "VER:") {
		v := strings.TrimSuffix(strings.TrimPrefix(inner, "VER:"), ":")
		return "Grbl " + v, true
	}
	return "", false
}

func fluidncVersion(line string) (string, bool) {
	// Greeting: "Grbl 3.7 [FluidNC v3.7.8 (wifi) '$' for help]"
	if strings.HasPrefix(line, "Grbl ") {
		if i := strings.Index(line, "FluidNC "); i >= 0 {
			return firstWords(line[i:], 2), true
		}
		return grblVersion(line)
	}
	// Build info: "[VER:3.7 FluidNC v3.7.8:]"
	if inner, ok := bracketed(line); ok && strings.HasPrefix(inner, "VER:") {
		if i := strings.Index(inner, "FluidNC "); i >= 0 {
			return strings.TrimSuffix(firstWords(inner[i:], 2), ":"), true
		}
		return grblVersion(line)
	}
	return "", false
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
