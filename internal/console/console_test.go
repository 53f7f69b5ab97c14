package console

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
	"github.com/KevinKickass/OpenLaserCore/internal/protocol/protocoltest"
)

var allFilters = []Filter{
	{},
	{IncludeHidden: true},
	{Severities: []Severity{SeverityError}},
	{Severities: []Severity{SeverityWarning}},
	{Severities: []Severity{SeverityInfo}},
	{Severities: []Severity{SeverityDebug}, IncludeHidden: true},
}

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func grbl(t *testing.T) protocol.Dialect {
	d, err := protocol.Lookup("grbl")
	require.NoError(t, err)
	return d
}

func TestLogger_OverflowKeepsNewest(t *testing.T) {
	l := New(Options{}, zaptest.NewLogger(t))
	const n = 5000 + 1234

	for i := 0; i < n; i++ {
		l.Trace(SeverityInfo, fmt.Sprintf("msg %d", i))
	}

	msgs := l.Messages(Filter{})
	require.Len(t, msgs, 5000)
	assert.Equal(t, "msg 1234", msgs[0].Text)
	assert.Equal(t, fmt.Sprintf("msg %d", n-1), msgs[4999].Text)
	for i := 1; i < len(msgs); i++ {
		assert.Equal(t, fmt.Sprintf("msg %d", 1234+i), msgs[i].Text)
	}
	assert.Equal(t, uint64(1234), l.Evicted())
}

func TestLogger_QueryAndOkNeverRecorded(t *testing.T) {
	l := New(Options{ShowDebug: true}, zaptest.NewLogger(t))
	d := grbl(t)

	l.OnCommand(d.StatusQuery(), protocol.OriginMonitor)
	l.OnCommand(protocol.Frame{Text: "?"}, protocol.OriginUser)
	l.OnCommand(protocol.Frame{Text: "M114\n", Query: true}, protocol.OriginMonitor)
	l.OnResponse(d.ParseResponse("ok"), protocol.OriginUser)
	l.OnResponse(d.ParseResponse("ok\r"), protocol.OriginMonitor)
	l.OnCommand(protocol.Line("G0 X10"), protocol.OriginUser)
	l.OnResponse(d.ParseResponse("error:9"), protocol.OriginUser)

	for _, f := range allFilters {
		for _, m := range l.Messages(f) {
			assert.NotEqual(t, "?", m.Text)
			assert.NotEqual(t, "ok", m.Text)
			assert.NotEqual(t, "M114", m.Text)
		}
	}
	assert.Equal(t, []string{"G0 X10", "error:9"}, texts(l.Messages(Filter{})))
}

func TestLogger_Severities(t *testing.T) {
	l := New(Options{}, zaptest.NewLogger(t))
	d := grbl(t)

	l.OnCommand(protocol.Line("G1 X5 F300"), protocol.OriginUser)
	l.OnResponse(d.ParseResponse("error:20"), protocol.OriginUser)
	l.OnResponse(d.ParseResponse("[MSG:'$H'|'$X' to unlock]"), protocol.OriginDevice)
	l.OnResponse(d.ParseResponse("[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]"), protocol.OriginUser)
	l.OnResponse(d.ParseResponse("<Idle|MPos:0.000,0.000,0.000|FS:0,0>"), protocol.OriginMonitor)
	l.OnResponse(d.ParseResponse("<<garbage"), protocol.OriginDevice)
	l.Trace(SeverityDebug, "reader started")

	msgs := l.Messages(Filter{IncludeHidden: true})
	require.Len(t, msgs, 6)

	want := []struct {
		sev Severity
		typ Type
	}{
		{SeverityInfo, TypeCommand},
		{SeverityError, TypeResponse},
		{SeverityWarning, TypeResponse},
		{SeverityInfo, TypeResponse},
		{SeverityWarning, TypeResponse},
		{SeverityDebug, TypeTrace},
	}
	for i, w := range want {
		assert.Equal(t, w.sev, msgs[i].Severity, msgs[i].Text)
		assert.Equal(t, w.typ, msgs[i].Type, msgs[i].Text)
	}

	assert.False(t, msgs[5].Visible)
	assert.Len(t, l.Messages(Filter{}), 5)
}

func TestLogger_AlarmPinned(t *testing.T) {
	l := New(Options{}, zaptest.NewLogger(t))
	d := grbl(t)

	l.OnCommand(protocol.Line("G0 X500"), protocol.OriginUser)
	l.OnResponse(d.ParseResponse("ALARM:1"), protocol.OriginDevice)

	for _, f := range allFilters {
		msgs := l.Messages(f)
		require.Contains(t, texts(msgs), "ALARM:1")
	}
	alarm := l.Messages(Filter{Severities: []Severity{SeverityDebug}})
	require.Len(t, alarm, 1)
	assert.Equal(t, SeverityError, alarm[0].Severity)
	assert.True(t, alarm[0].Pinned)
}

func TestLogger_FilterLimit(t *testing.T) {
	l := New(Options{Capacity: 10}, zaptest.NewLogger(t))
	for i := 0; i < 6; i++ {
		sev := SeverityInfo
		if i%2 == 1 {
			sev = SeverityWarning
		}
		l.Trace(sev, fmt.Sprint(i))
	}

	got := l.Messages(Filter{Severities: []Severity{SeverityWarning}, Limit: 2})
	assert.Equal(t, []string{"3", "5"}, texts(got))
}

func TestLogger_Subscribe(t *testing.T) {
	l := New(Options{}, zaptest.NewLogger(t))
	ch, cancel := l.Subscribe(1)

	l.Trace(SeverityWarning, "first")
	l.Trace(SeverityWarning, "second")

	m := <-ch
	assert.Equal(t, "first", m.Text)
	assert.NotEqual(t, m.ID.String(), "")

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	l.Trace(SeverityInfo, "after cancel")
	assert.Equal(t, 3, l.Len())
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, s)

	_, err = ParseSeverity("fatal")
	assert.Error(t, err)
}

func TestLogger_TapsAdapter(t *testing.T) {
	sim := protocoltest.New("grbl")
	logger := zaptest.NewLogger(t)
	l := New(Options{}, logger)

	a := protocol.NewAdapter(grbl(t), sim.Opener(), protocol.DefaultConfig(), logger)
	a.AddTap(l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx, "sim", 0))
	t.Cleanup(func() { a.Disconnect() })

	_, err := a.PollStatus(ctx)
	require.NoError(t, err)
	_, err = a.Exchange(ctx, "G21")
	require.NoError(t, err)

	sim.Script("G0 X999", "error:15")
	_, err = a.Exchange(ctx, "G0 X999")
	require.Error(t, err)

	got := texts(l.Messages(Filter{}))
	assert.Contains(t, got, "G21")
	assert.Contains(t, got, "error:15")
	assert.NotContains(t, got, "?")
	assert.NotContains(t, got, "ok")
	for _, m := range l.Messages(Filter{IncludeHidden: true}) {
		assert.NotContains(t, m.Text, "<Idle", "monitor telemetry must not be recorded")
	}
}

func TestLogger_HandshakeAndRequestedStatusVisible(t *testing.T) {
	l := New(Options{}, zaptest.NewLogger(t))
	d := grbl(t)

	l.OnCommand(protocol.Line("$I"), protocol.OriginHandshake)
	l.OnResponse(d.ParseResponse("<Idle|MPos:0.000,0.000,0.000|FS:0,0>"), protocol.OriginUser)
	l.OnResponse(d.ParseResponse("<Run|MPos:1.000,0.000,0.000|FS:0,0>"), protocol.OriginMonitor)

	msgs := l.Messages(Filter{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "$I", msgs[0].Text)
	assert.Equal(t, SeverityInfo, msgs[0].Severity)
	assert.Equal(t, TypeCommand, msgs[0].Type)
	assert.Equal(t, SeverityInfo, msgs[1].Severity)
	assert.Equal(t, TypeResponse, msgs[1].Type)
	assert.Contains(t, msgs[1].Text, "Idle")
}
