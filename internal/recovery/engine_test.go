package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

// fakeTarget replays scripted Execute results; once the script runs out
// every command succeeds.
type fakeTarget struct {
	mu         sync.Mutex
	results    []error
	executed   []string
	reconnects int
	resets     int
	reconnErr  []error
	resetErr   error
	pollState  status.MachineState
	pollErr    error
	block      chan struct{}
	// Reports are confirmed unless stale is set.
	stale    bool
	rechecks int
}

func (f *fakeTarget) Execute(ctx context.Context, origin protocol.Origin, gcode string) (protocol.ParsedResponse, error) {
	f.mu.Lock()
	f.executed = append(f.executed, gcode)
	block := f.block
	var err error
	if len(f.results) > 0 {
		err, f.results = f.results[0], f.results[1:]
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return protocol.ParsedResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return protocol.ParsedResponse{Kind: protocol.ResponseError}, err
	}
	return protocol.ParsedResponse{Kind: protocol.ResponseOk}, nil
}

func (f *fakeTarget) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	if len(f.reconnErr) > 0 {
		err := f.reconnErr[0]
		f.reconnErr = f.reconnErr[1:]
		return err
	}
	return nil
}

func (f *fakeTarget) SoftReset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func (f *fakeTarget) PollStatus(ctx context.Context) (status.MachineStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return status.MachineStatus{}, f.pollErr
	}
	st := f.pollState
	if st == "" {
		st = status.StateIdle
	}
	return status.MachineStatus{State: st}, nil
}

func (f *fakeTarget) StillFailing(ctx context.Context, cause error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rechecks++
	return !f.stale
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func actions(s State) []Action {
	out := make([]Action, len(s.Log))
	for i, r := range s.Log {
		out[i] = r.Action
	}
	return out
}

func TestClassify(t *testing.T) {
	assert.Equal(t, faults.KindTransport, Classify(faults.ErrDisconnected))
	assert.Equal(t, faults.KindCritical, Classify(faults.Critical("1", "G0")))
	assert.Equal(t, faults.KindCommand, Classify(faults.Command("9", "G0")))
	assert.Equal(t, faults.KindUnknown, Classify(faults.Protocol("bad", "<x")))
	assert.Equal(t, faults.KindUnknown, Classify(errors.New("boom")))
}

func TestActionFor(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ActionReconnect, ActionFor(faults.KindTransport, cfg))
	assert.Equal(t, ActionResetController, ActionFor(faults.KindCritical, cfg))
	assert.Equal(t, ActionRetryCommand, ActionFor(faults.KindCommand, cfg))
	assert.Equal(t, ActionResetController, ActionFor(faults.KindUnknown, cfg))

	cfg.ResetOnCritical = false
	assert.Equal(t, ActionSurface, ActionFor(faults.KindCritical, cfg))

	cfg.AutoRecover = false
	assert.Equal(t, ActionSurface, ActionFor(faults.KindTransport, cfg))
	assert.Equal(t, ActionSurface, ActionFor(faults.KindCommand, cfg))
}

func TestEngine_CommandErrorRetriedOnce(t *testing.T) {
	target := &fakeTarget{results: []error{faults.Command("9", "G1 X10")}}
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t))

	require.NoError(t, e.Execute(context.Background(), 12, "G1 X10"))

	s := e.State()
	assert.Equal(t, []Action{ActionRetryCommand}, actions(s))
	assert.Equal(t, 12, s.Log[0].Line)
	assert.Equal(t, "command", s.Log[0].Kind)
	assert.Equal(t, []string{"G1 X10", "G1 X10"}, target.executed)
	assert.Equal(t, ModeNormal, s.Mode)
	assert.Equal(t, 0, s.Attempts)
}

func TestEngine_FailFailSucceedResetsCounter(t *testing.T) {
	target := &fakeTarget{results: []error{
		faults.Command("20", "G5"),
		faults.Command("20", "G5"),
	}}

	var modes []Mode
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t),
		WithModeHook(func(s State) { modes = append(modes, s.Mode) }))

	require.NoError(t, e.Execute(context.Background(), 1, "G5"))

	s := e.State()
	assert.Equal(t, 0, s.Attempts)
	assert.Equal(t, ModeNormal, s.Mode)
	assert.Len(t, s.Log, 2)
	assert.Equal(t, []Mode{ModeRecovering, ModeNormal}, modes)
}

func TestEngine_Exhaustion(t *testing.T) {
	fail := faults.Command("9", "G1")
	target := &fakeTarget{results: []error{fail, fail, fail, fail, fail}}

	var surfaced []error
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t),
		WithFailureHook(func(line int, err error) { surfaced = append(surfaced, err) }))

	err := e.Execute(context.Background(), 7, "G1")
	require.Error(t, err)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 7, ex.Line)
	assert.Len(t, ex.Log, 3)
	assert.Equal(t, faults.KindRecoveryExhausted, faults.KindOf(err))
	assert.ErrorIs(t, err, fail)

	s := e.State()
	assert.Equal(t, ModeExhausted, s.Mode)
	assert.Equal(t, 3, s.Attempts)
	require.Len(t, surfaced, 1)

	// Exhausted holds until acknowledged; nothing is sent meanwhile.
	sent := len(target.executed)
	assert.ErrorAs(t, e.Execute(context.Background(), 8, "G1"), &ex)
	assert.Len(t, target.executed, sent)

	e.Acknowledge()
	assert.Equal(t, ModeNormal, e.State().Mode)
	require.NoError(t, e.Execute(context.Background(), 8, "G1"))
}

func TestEngine_AlarmResetsOnceAndSurfaces(t *testing.T) {
	alarm := faults.Critical("1", "G1 X500")
	target := &fakeTarget{results: []error{alarm}}

	var paused []int
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t),
		WithFailureHook(func(line int, err error) { paused = append(paused, line) }))

	err := e.Execute(context.Background(), 40, "G1 X500")
	assert.Equal(t, faults.KindCritical, faults.KindOf(err))

	s := e.State()
	assert.Equal(t, []Action{ActionResetController}, actions(s))
	assert.Equal(t, 1, target.resets)
	assert.Equal(t, []string{"G1 X500"}, target.executed, "line must not be resent after a reset")
	assert.Equal(t, ModeNormal, s.Mode)
	assert.Equal(t, 0, s.Attempts)
	assert.Equal(t, []int{40}, paused)
}

func TestEngine_AlarmPersistsAfterReset(t *testing.T) {
	target := &fakeTarget{
		results:   []error{faults.Critical("1", "G0")},
		pollState: status.StateAlarm,
	}
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t))

	err := e.Execute(context.Background(), 3, "G0")
	assert.Equal(t, faults.KindCritical, faults.KindOf(err))
	assert.Contains(t, err.Error(), "persists")
	assert.Equal(t, 1, target.resets)
}

func TestEngine_CriticalWithoutReset(t *testing.T) {
	cfg := testConfig()
	cfg.ResetOnCritical = false
	target := &fakeTarget{results: []error{faults.Critical("1", "G0")}}
	e := NewEngine(target, cfg, zaptest.NewLogger(t))

	err := e.Execute(context.Background(), 3, "G0")
	assert.Equal(t, faults.KindCritical, faults.KindOf(err))
	assert.Equal(t, 0, target.resets)
	assert.Empty(t, e.State().Log)
}

func TestEngine_AutoRecoverDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRecover = false
	target := &fakeTarget{results: []error{faults.Command("9", "G0")}}
	e := NewEngine(target, cfg, zaptest.NewLogger(t))

	err := e.Execute(context.Background(), 1, "G0")
	assert.Equal(t, faults.KindCommand, faults.KindOf(err))
	assert.Equal(t, ModeNormal, e.State().Mode)
	assert.Len(t, target.executed, 1)
}

func TestEngine_TransportReconnectsAndResends(t *testing.T) {
	target := &fakeTarget{
		results:   []error{faults.Transport("write failed", errors.New("broken pipe"))},
		reconnErr: []error{faults.Transport("connection failed", errors.New("no such device"))},
	}
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t))

	require.NoError(t, e.Execute(context.Background(), 5, "G1 Y1"))

	s := e.State()
	assert.Equal(t, []Action{ActionReconnect, ActionReconnect}, actions(s))
	assert.False(t, s.Log[0].Success)
	assert.True(t, s.Log[1].Success)
	assert.Equal(t, 2, target.reconnects)
	assert.Equal(t, []string{"G1 Y1", "G1 Y1"}, target.executed)
	assert.Equal(t, 0, s.Attempts)
}

func TestEngine_UnknownFallsBackToReset(t *testing.T) {
	target := &fakeTarget{results: []error{errors.New("garbled reply")}}
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t))

	err := e.Execute(context.Background(), 9, "M3")
	require.Error(t, err)
	assert.Equal(t, []Action{ActionResetController}, actions(e.State()))
}

func TestEngine_InvalidParameterNotRecovered(t *testing.T) {
	target := &fakeTarget{results: []error{faults.InvalidParameter("empty command")}}
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t))

	err := e.Execute(context.Background(), 1, "")
	assert.Equal(t, faults.KindInvalidParameter, faults.KindOf(err))
	assert.Empty(t, e.State().Log)
}

func TestEngine_Report(t *testing.T) {
	target := &fakeTarget{}
	var recs []ActionRecord
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t),
		WithActionHook(func(r ActionRecord) { recs = append(recs, r) }))

	require.NoError(t, e.Report(context.Background(), faults.ErrDisconnected))
	assert.Equal(t, 1, target.reconnects)
	require.Len(t, recs, 1)
	assert.Equal(t, ActionReconnect, recs[0].Action)
	assert.NotEmpty(t, recs[0].ID)
	assert.Equal(t, ModeNormal, e.State().Mode)

	cmdErr := faults.Command("9", "G0")
	assert.Equal(t, cmdErr, e.Report(context.Background(), cmdErr))
	assert.Nil(t, e.Report(context.Background(), nil))
}

func TestEngine_StaleReportDropped(t *testing.T) {
	target := &fakeTarget{stale: true}
	var recs []ActionRecord
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t),
		WithActionHook(func(r ActionRecord) { recs = append(recs, r) }))

	timeout := faults.Transport("status poll", faults.ErrTimeout)
	require.NoError(t, e.Report(context.Background(), timeout))

	assert.Equal(t, 1, target.rechecks)
	assert.Zero(t, target.reconnects)
	assert.Empty(t, recs)
	assert.Equal(t, ModeNormal, e.State().Mode)
}

func TestEngine_ReportedAlarmResetsAndPauses(t *testing.T) {
	target := &fakeTarget{}
	var paused []int
	var causes []error
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t),
		WithFailureHook(func(line int, err error) {
			paused = append(paused, line)
			causes = append(causes, err)
		}))

	alarm := faults.Critical("1", "")
	require.NoError(t, e.Report(context.Background(), alarm))

	assert.Equal(t, 1, target.resets)
	assert.Equal(t, []Action{ActionResetController}, actions(e.State()))
	assert.Equal(t, []int{0}, paused)
	require.Len(t, causes, 1)
	assert.ErrorIs(t, causes[0], alarm)
	assert.Equal(t, ModeNormal, e.State().Mode)
}

func TestEngine_LineWaitingOnAlarmEpisodeNotSent(t *testing.T) {
	target := &fakeTarget{}
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t))

	// Hold the episode as a running report would.
	e.episodeMu.Lock()
	errCh := make(chan error, 1)
	go func() { errCh <- e.Execute(context.Background(), 12, "G1 X5") }()

	// Let Execute take its mark and block.
	time.Sleep(50 * time.Millisecond)
	alarm := faults.Critical("1", "")
	e.raise(alarm)
	e.episodeMu.Unlock()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, alarm)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return")
	}
	assert.Empty(t, target.executed)

	// Later lines go out normally.
	require.NoError(t, e.Execute(context.Background(), 13, "G1 X6"))
	assert.Equal(t, []string{"G1 X6"}, target.executed)
}

func TestEngine_AbortCancelsEpisode(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	target := &fakeTarget{results: []error{faults.Command("9", "G0")}}
	e := NewEngine(target, cfg, zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() { errCh <- e.Execute(context.Background(), 1, "G0") }()

	require.Eventually(t, func() bool { return e.State().Mode == ModeRecovering }, time.Second, time.Millisecond)
	e.Abort()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, faults.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after Abort")
	}
	s := e.State()
	assert.Equal(t, ModeNormal, s.Mode)
	assert.Equal(t, 0, s.Attempts)
}

func TestEngine_AbortWhileAwaitingAck(t *testing.T) {
	target := &fakeTarget{block: make(chan struct{})}
	e := NewEngine(target, testConfig(), zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() { errCh <- e.Execute(context.Background(), 1, "G4 P5") }()

	require.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.executed) == 1
	}, time.Second, time.Millisecond)
	e.Abort()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, faults.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after Abort")
	}
}
