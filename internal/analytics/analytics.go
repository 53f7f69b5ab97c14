// Package analytics derives statistics and state transitions from a status
// history snapshot. All functions are pure and accept empty or single-sample
// input.
package analytics

import (
	"math"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

// Stats summarises one optional telemetry channel. Samples without a value
// are not counted.
type Stats struct {
	Average float64 `json:"average"`
	Peak    float64 `json:"peak"`
	Min     float64 `json:"min"`
	Samples int     `json:"samples"`
}

func FeedStats(h []status.MachineStatus) Stats {
	return channelStats(h, func(s status.MachineStatus) status.Optional[float64] { return s.FeedRate })
}

func SpindleStats(h []status.MachineStatus) Stats {
	return channelStats(h, func(s status.MachineStatus) status.Optional[float64] { return s.SpindleSpeed })
}

func channelStats(h []status.MachineStatus, value func(status.MachineStatus) status.Optional[float64]) Stats {
	var st Stats
	var sum float64
	for _, s := range h {
		v, ok := value(s).Get()
		if !ok {
			continue
		}
		if st.Samples == 0 || v > st.Peak {
			st.Peak = v
		}
		if st.Samples == 0 || v < st.Min {
			st.Min = v
		}
		sum += v
		st.Samples++
	}
	if st.Samples > 0 {
		st.Average = sum / float64(st.Samples)
	}
	return st
}

// Transition is a change of the debounced machine state. Index points at
// the first sample in the new state.
type Transition struct {
	Index     int                 `json:"index"`
	From      status.MachineState `json:"from"`
	To        status.MachineState `json:"to"`
	Timestamp time.Time           `json:"timestamp"`
}

// Transitions lists state changes in order. A change between two non-alarm
// states is reported only if the new state holds for at least minDwell
// consecutive samples; shorter blips are absorbed. Entering or leaving
// Alarm is always reported, even for a single sample.
func Transitions(h []status.MachineStatus, minDwell int) []Transition {
	out := []Transition{}
	if len(h) < 2 {
		return out
	}

	stable := h[0].State
	for i := 1; i < len(h); i++ {
		next := h[i].State
		if next == stable {
			continue
		}

		if !next.IsAlarm() && !stable.IsAlarm() {
			run := dwell(h, i)
			if run < minDwell {
				i += run - 1
				continue
			}
		}

		out = append(out, Transition{Index: i, From: stable, To: next, Timestamp: h[i].Timestamp})
		stable = next
	}
	return out
}

// dwell counts consecutive samples starting at i that share h[i].State.
func dwell(h []status.MachineStatus, i int) int {
	n := 1
	for j := i + 1; j < len(h) && h[j].State == h[i].State; j++ {
		n++
	}
	return n
}

// Displacements returns the euclidean distance between consecutive machine
// positions; len(result) == len(h)-1.
func Displacements(h []status.MachineStatus) []float64 {
	out := []float64{}
	for i := 1; i < len(h); i++ {
		out = append(out, h[i].MachinePos.Distance(h[i-1].MachinePos))
	}
	return out
}

// IsMoving reports whether any step in h moved farther than eps millimetres.
func IsMoving(h []status.MachineStatus, eps float64) bool {
	for _, d := range Displacements(h) {
		if d > eps {
			return true
		}
	}
	return false
}

func AlarmIndices(h []status.MachineStatus) []int {
	out := []int{}
	for i, s := range h {
		if s.State.IsAlarm() {
			out = append(out, i)
		}
	}
	return out
}

// Summary bundles the analytics of one window.
type Summary struct {
	Samples      int          `json:"samples"`
	Span         Duration     `json:"span"`
	Feed         Stats        `json:"feed"`
	Spindle      Stats        `json:"spindle"`
	Transitions  []Transition `json:"transitions"`
	AlarmIndices []int        `json:"alarm_indices"`
	Distance     float64      `json:"distance"`
	MaxStep      float64      `json:"max_step"`
	Moving       bool         `json:"moving"`
}

// Duration marshals as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	secs := math.Round(time.Duration(d).Seconds()*1000) / 1000
	return []byte(strconv.FormatFloat(secs, 'f', -1, 64)), nil
}

// Summarize computes every analytic over h. moveEps is the step threshold
// for Moving, evaluated on the last few samples only.
func Summarize(h []status.MachineStatus, minDwell int, moveEps float64) Summary {
	sum := Summary{
		Samples:      len(h),
		Feed:         FeedStats(h),
		Spindle:      SpindleStats(h),
		Transitions:  Transitions(h, minDwell),
		AlarmIndices: AlarmIndices(h),
	}
	if len(h) > 1 {
		sum.Span = Duration(h[len(h)-1].Timestamp.Sub(h[0].Timestamp))
	}
	for _, d := range Displacements(h) {
		sum.Distance += d
		sum.MaxStep = math.Max(sum.MaxStep, d)
	}
	tail := h
	if len(tail) > movingWindow {
		tail = tail[len(tail)-movingWindow:]
	}
	sum.Moving = IsMoving(tail, moveEps)
	return sum
}

// one second at the default poll interval
const movingWindow = 4
