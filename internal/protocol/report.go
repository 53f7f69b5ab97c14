package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

// reportField is one key:value element of a bracketed status report.
type reportField struct {
	key   string
	value string
}

// unwrapReport strips the angle brackets of a status report.
func unwrapReport(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) < 2 || s[0] != '<' || s[len(s)-1] != '>' {
		return "", fmt.Errorf("status report not enclosed in <>")
	}
	s = s[1 : len(s)-1]
	if s == "" {
		return "", fmt.Errorf("empty status report")
	}
	return s, nil
}

// splitPipeReport splits "<State|K:v|K:v>" into the state token and fields.
func splitPipeReport(raw string) (string, []reportField, error) {
	body, err := unwrapReport(raw)
	if err != nil {
		return "", nil, err
	}
	parts := strings.Split(body, "|")
	fields := make([]reportField, 0, len(parts)-1)
	for _, p := range parts[1:] {
		key, value, ok := strings.Cut(p, ":")
		if !ok || key == "" {
			return "", nil, fmt.Errorf("malformed field %q", p)
		}
		fields = append(fields, reportField{key: key, value: value})
	}
	return parts[0], fields, nil
}

// splitCommaReport splits the older "<State,K:v,v,v,K:v>" form. A token
// with a colon starts a new field; tokens without one continue the
// previous field's value list.
func splitCommaReport(raw string) (string, []reportField, error) {
	body, err := unwrapReport(raw)
	if err != nil {
		return "", nil, err
	}
	parts := strings.Split(body, ",")
	var fields []reportField
	for _, p := range parts[1:] {
		if key, value, ok := strings.Cut(p, ":"); ok {
			if key == "" {
				return "", nil, fmt.Errorf("malformed field %q", p)
			}
			fields = append(fields, reportField{key: key, value: value})
			continue
		}
		if len(fields) == 0 {
			return "", nil, fmt.Errorf("value %q without field", p)
		}
		fields[len(fields)-1].value += "," + p
	}
	return parts[0], fields, nil
}

// parseFloats parses a comma separated list with at least want values.
func parseFloats(s string, want int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) < want {
		return nil, fmt.Errorf("expected %d values in %q", want, s)
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", p)
		}
		out[i] = v
	}
	return out, nil
}

func parseInts(s string, want int) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) < want {
		return nil, fmt.Errorf("expected %d values in %q", want, s)
	}
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad integer %q", p)
		}
		out[i] = v
	}
	return out, nil
}

// parsePosition reads the first three axes; extra axes are ignored.
func parsePosition(s string) (status.Position, error) {
	v, err := parseFloats(s, 3)
	if err != nil {
		return status.Position{}, err
	}
	return status.Position{X: v[0], Y: v[1], Z: v[2]}, nil
}

// positions collects the coordinate fields of a report before the machine
// and work positions are resolved.
type positions struct {
	mpos, wpos, wco status.Optional[status.Position]
}

// resolve fills MachinePos and WorkPos. Work position is derived from a
// work offset only when that offset is in the same report. A report with
// only a work position and no offset carries a zero offset.
func (p positions) resolve(st *status.MachineStatus) error {
	switch {
	case p.mpos.Valid:
		st.MachinePos = p.mpos.Value
	case p.wpos.Valid && p.wco.Valid:
		st.MachinePos = p.wpos.Value.Add(p.wco.Value)
	case p.wpos.Valid:
		st.MachinePos = p.wpos.Value
	default:
		return fmt.Errorf("status report has no position")
	}

	switch {
	case p.wpos.Valid:
		st.WorkPos = p.wpos
	case p.mpos.Valid && p.wco.Valid:
		st.WorkPos = status.Some(p.mpos.Value.Sub(p.wco.Value))
	}
	return nil
}

func formatPosition(p status.Position) string {
	return fmt.Sprintf("%.3f,%.3f,%.3f", p.X, p.Y, p.Z)
}

// bracketed returns the inside of a "[...]" line.
func bracketed(s string) (string, bool) {
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return "", false
	}
	return s[1 : len(s)-1], true
}
