package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

func TestGrblLegacy_ParseStatus(t *testing.T) {
	d := NewGrblLegacy()

	st, err := d.ParseStatus("<Idle,MPos:10.000,5.000,-2.000,WPos:0.000,0.000,0.000,Buf:0,RX:0,F:0.,S:0.>")
	require.NoError(t, err)

	assert.Equal(t, status.StateIdle, st.State)
	assert.Equal(t, status.Position{X: 10, Y: 5, Z: -2}, st.MachinePos)
	assert.Equal(t, status.Some(status.Position{}), st.WorkPos)
	assert.Equal(t, status.Some(status.BufferFill{}), st.Buffer)
	assert.Equal(t, status.Some(0.0), st.FeedRate)
	assert.Equal(t, status.Some(0.0), st.SpindleSpeed)

	st, err = d.ParseStatus("<Run,MPos:1.000,2.000,3.000>")
	require.NoError(t, err)
	assert.Equal(t, status.StateRun, st.State)
	assert.False(t, st.WorkPos.Valid)

	_, err = d.ParseStatus("<Idle,1.0,MPos:1,2,3>")
	assert.Error(t, err)
	_, err = d.ParseStatus("<Idle,MPos:1,2,3,Buf:x>")
	assert.Error(t, err)
}

func TestGrblLegacy_ParseResponse(t *testing.T) {
	d := NewGrblLegacy()

	resp := d.ParseResponse("error: Bad number format")
	assert.Equal(t, ResponseError, resp.Kind)
	assert.Equal(t, "Bad number format", resp.Code)
	_, numeric := resp.NumericCode()
	assert.False(t, numeric)

	resp = d.ParseResponse("ALARM: Hard/soft limit")
	assert.Equal(t, ResponseAlarm, resp.Kind)
	assert.Equal(t, "Hard/soft limit", resp.Code)

	resp = d.ParseResponse("Grbl 0.9j ['$' for help]")
	assert.Equal(t, ResponseVersion, resp.Kind)
	assert.Equal(t, "Grbl 0.9j", resp.Text)

	resp = d.ParseResponse("[0.9j.20160726:]")
	assert.Equal(t, ResponseVersion, resp.Kind)
	assert.Equal(t, "Grbl 0.9j.20160726", resp.Text)

	resp = d.ParseResponse("['$H'|'$X' to unlock]")
	assert.Equal(t, ResponseFeedback, resp.Kind)

	assert.True(t, d.IsCritical("Alarm lock"))
	assert.False(t, d.IsCritical("Bad number format"))
}

func TestGrblLegacy_Formatting(t *testing.T) {
	d := NewGrblLegacy()

	frames, err := d.FormatJog(AxisY, -5, 600)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, "G91", frames[0].Command())
	assert.Equal(t, "G1 Y-5.000 F600", frames[1].Command())
	assert.Equal(t, "G90", frames[2].Command())

	_, current, err := d.FormatOverride(OverrideFeed, 100, 10)
	assert.Equal(t, faults.KindInvalidParameter, faults.KindOf(err))
	assert.Equal(t, 100, current)
}

func TestSmoothie_ParseStatus(t *testing.T) {
	d := NewSmoothie()

	st, err := d.ParseStatus("<Run|MPos:10.0000,5.0000,-2.0000|WPos:0.0000,0.0000,0.0000|F:1200.0,110.0|S:0.8,90.0>")
	require.NoError(t, err)
	assert.Equal(t, status.StateRun, st.State)
	assert.Equal(t, status.Position{X: 10, Y: 5, Z: -2}, st.MachinePos)
	assert.Equal(t, status.Some(1200.0), st.FeedRate)
	assert.Equal(t, status.Some(0.8), st.SpindleSpeed)
	assert.Equal(t, status.Some(status.Overrides{Feed: 110, Rapid: 100, Spindle: 90}), st.Overrides)

	st, err = d.ParseStatus("<Idle,MPos:1.0000,2.0000,3.0000,WPos:0.0000,0.0000,0.0000>")
	require.NoError(t, err)
	assert.Equal(t, status.StateIdle, st.State)
	assert.Equal(t, status.Position{X: 1, Y: 2, Z: 3}, st.MachinePos)
	assert.False(t, st.Overrides.Valid)
}

func TestSmoothie_ParseResponse(t *testing.T) {
	d := NewSmoothie()

	resp := d.ParseResponse("Build version: edge-3332442, Build date: Nov 10 2020, MCU: LPC1769")
	assert.Equal(t, ResponseVersion, resp.Kind)
	assert.Equal(t, "Smoothieware edge-3332442", resp.Text)

	assert.Equal(t, ResponseAlarm, d.ParseResponse("!!").Kind)
	assert.Equal(t, ResponseError, d.ParseResponse("error:Unsupported command").Kind)
	assert.Equal(t, ResponseFeedback, d.ParseResponse("Smoothie").Kind)
	assert.True(t, d.IsCritical("Alarm lock"))
}

func TestSmoothie_FormatOverride(t *testing.T) {
	d := NewSmoothie()

	frames, next, err := d.FormatOverride(OverrideFeed, 100, 25)
	require.NoError(t, err)
	assert.Equal(t, 125, next)
	assert.Equal(t, "M220 S125", frames[0].Command())
	assert.False(t, frames[0].Realtime)

	frames, next, err = d.FormatOverride(OverrideSpindle, 50, -100)
	require.NoError(t, err)
	assert.Equal(t, 10, next)
	assert.Equal(t, "M221 S10", frames[0].Command())

	frames, err = d.FormatJog(AxisX, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "$J X1.000 F100", frames[0].Command())
}

func TestMarlin_ParseStatus(t *testing.T) {
	d := NewMarlin()

	st, err := d.ParseStatus("X:10.00 Y:5.00 Z:-2.00 E:0.00 Count X:800 Y:400 Z:-80")
	require.NoError(t, err)
	assert.Equal(t, status.StateUnknown, st.State)
	assert.Equal(t, status.Position{X: 10, Y: 5, Z: -2}, st.MachinePos)
	assert.False(t, st.WorkPos.Valid)

	_, err = d.ParseStatus("X:10.00 Y:5.00")
	assert.Error(t, err)
	_, err = d.ParseStatus("X:abc Y:5.00 Z:1")
	assert.Error(t, err)
}

func TestMarlin_ParseResponse(t *testing.T) {
	d := NewMarlin()

	assert.Equal(t, ResponseOk, d.ParseResponse("ok").Kind)
	assert.Equal(t, ResponseOk, d.ParseResponse("ok T:21.3 /0.0").Kind)

	resp := d.ParseResponse("Error:Unknown command: \"G999\"")
	assert.Equal(t, ResponseError, resp.Kind)
	assert.Equal(t, "Unknown command: \"G999\"", resp.Code)

	resp = d.ParseResponse("Error:Printer halted. kill() called!")
	assert.Equal(t, ResponseAlarm, resp.Kind)

	resp = d.ParseResponse("FIRMWARE_NAME:Marlin 2.1.2.1 (Sep 10 2023) SOURCE_CODE_URL:github.com/MarlinFirmware/Marlin")
	assert.Equal(t, ResponseVersion, resp.Kind)
	assert.Equal(t, "Marlin 2.1.2.1", resp.Text)

	resp = d.ParseResponse("X:1.00 Y:2.00 Z:3.00 E:0.00 Count X:0 Y:0 Z:0")
	assert.Equal(t, ResponseStatus, resp.Kind)
	assert.True(t, resp.Telemetry)

	resp = d.ParseResponse("X:1.00 Y:oops")
	assert.Equal(t, ResponseUnparseable, resp.Kind)
	assert.True(t, resp.Telemetry)

	assert.Equal(t, ResponseFeedback, d.ParseResponse("echo:busy: processing").Kind)
	assert.True(t, d.ErrorsTrailedByOk())
}

func TestMarlin_Formatting(t *testing.T) {
	d := NewMarlin()

	q := d.StatusQuery()
	assert.False(t, q.Realtime)
	assert.True(t, q.Query)
	assert.Equal(t, "M114", q.Command())

	frames, next, err := d.FormatOverride(OverrideFeed, 100, -30)
	require.NoError(t, err)
	assert.Equal(t, 70, next)
	assert.Equal(t, "M220 S70", frames[0].Command())

	_, _, err = d.FormatOverride(OverrideSpindle, 100, 10)
	assert.Equal(t, faults.KindInvalidParameter, faults.KindOf(err))

	assert.Equal(t, "G28", d.FormatHome()[0].Command())
	assert.Equal(t, "M999", d.SoftReset()[0].Command())
	assert.Empty(t, d.Unlock())
}

func TestLookup(t *testing.T) {
	cases := map[string]string{
		"grbl":         "grbl",
		"GRBL":         "grbl",
		"grbl1.1h":     "grbl",
		"grbl-0.9":     "grbl-legacy",
		"grbl-legacy":  "grbl-legacy",
		"fluidnc":      "fluidnc",
		"smoothieware": "smoothie",
		"Marlin2":      "marlin",
	}
	for in, want := range cases {
		d, err := Lookup(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, d.Name(), in)
	}

	_, err := Lookup("tinyg")
	require.Error(t, err)
	assert.Equal(t, faults.KindInvalidParameter, faults.KindOf(err))
	assert.Contains(t, err.Error(), "marlin")

	assert.Equal(t, []string{"fluidnc", "grbl", "grbl-legacy", "marlin", "smoothie"}, Names())
}

func TestNextOverride(t *testing.T) {
	assert.Equal(t, 100, nextOverride(150, 0))
	assert.Equal(t, 200, nextOverride(190, 50))
	assert.Equal(t, 10, nextOverride(20, -50))
	assert.Equal(t, 110, nextOverride(100, 10))
}

var malformedLines = []string{
	"",
	"<",
	">",
	"<>",
	"<|>",
	"<Idle|>",
	"<Idle|:>",
	"<Idle|MPos:,,>",
	"<Idle,,,>",
	"<,MPos:1,2,3>",
	"[",
	"[]",
	"error:",
	"ALARM:",
	"X:",
	"X:1 Y",
	"Build version:",
	"FIRMWARE_NAME:",
	"\x00\xff\x18",
	strings.Repeat("|", 64),
	"<" + strings.Repeat("MPos:1,2,3|", 100) + ">",
}

func TestParse_MalformedNeverPanics(t *testing.T) {
	for _, name := range Names() {
		d, err := Lookup(name)
		require.NoError(t, err)
		for _, raw := range malformedLines {
			assert.NotPanics(t, func() {
				d.ParseResponse(raw)
				d.ParseStatus(raw)
			}, "%s: %q", name, raw)
		}
	}
}

func FuzzParseResponse(f *testing.F) {
	for _, raw := range malformedLines {
		f.Add(raw)
	}
	f.Add("<Idle|MPos:10.00,5.00,-2.00|WPos:0.00,0.00,0.00|F:0|S:0>")
	f.Add("X:10.00 Y:5.00 Z:-2.00 E:0.00 Count X:800 Y:400 Z:-80")

	f.Fuzz(func(t *testing.T, raw string) {
		for _, name := range Names() {
			d, _ := Lookup(name)
			resp := d.ParseResponse(raw)
			if resp.Kind == ResponseStatus {
				if _, err := d.ParseStatus(raw); err != nil {
					t.Fatalf("%s: status response but ParseStatus failed: %v", name, err)
				}
			}
		}
	})
}
