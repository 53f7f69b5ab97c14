package monitor

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
	"github.com/KevinKickass/OpenLaserCore/internal/protocol/protocoltest"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

type scriptedPoller struct {
	mu    sync.Mutex
	queue []error
	n     int
}

func (p *scriptedPoller) PollStatus(ctx context.Context) (status.MachineStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	if len(p.queue) > 0 {
		err := p.queue[0]
		p.queue = p.queue[1:]
		if err != nil {
			return status.MachineStatus{}, err
		}
	}
	return status.MachineStatus{
		State:      status.StateRun,
		MachinePos: status.Position{X: float64(p.n)},
		Timestamp:  time.Now(),
	}, nil
}

func TestMonitor_HistoryIsBounded(t *testing.T) {
	m := New(&scriptedPoller{}, Options{Capacity: 5}, zaptest.NewLogger(t))

	for i := 0; i < 12; i++ {
		m.Poll(context.Background())
	}

	h := m.History()
	require.Len(t, h, 5)
	assert.Equal(t, 8.0, h[0].MachinePos.X)
	assert.Equal(t, 12.0, h[4].MachinePos.X)
	assert.Equal(t, 12.0, m.Latest().MachinePos.X)
	assert.Equal(t, uint64(12), m.Stats().Samples)
}

func TestMonitor_DefaultCapacity(t *testing.T) {
	m := New(&scriptedPoller{}, Options{}, zaptest.NewLogger(t))
	assert.Equal(t, 300, m.Capacity())
	assert.Equal(t, status.StateUnknown, m.Latest().State)
	assert.True(t, m.LastUpdate().IsZero())
}

func TestMonitor_MalformedReportSkipped(t *testing.T) {
	var failures []error
	p := &scriptedPoller{queue: []error{nil, faults.Protocol("malformed status report", "<Idle|garbage>")}}
	m := New(p, Options{OnFailure: func(_ context.Context, err error) {
		failures = append(failures, err)
	}}, zaptest.NewLogger(t))

	m.Poll(context.Background())
	first := m.Latest()
	m.Poll(context.Background())

	assert.Equal(t, first, m.Latest())
	assert.Len(t, m.History(), 1)
	assert.Empty(t, failures)

	st := m.Stats()
	assert.Equal(t, uint64(2), st.Ticks)
	assert.Equal(t, uint64(1), st.ParseFailures)
	assert.Contains(t, st.LastError, "malformed")
}

func TestMonitor_TransportFailureReported(t *testing.T) {
	var failures []error
	lost := faults.Transport("connection lost", errors.New("EOF"))
	m := New(&scriptedPoller{queue: []error{lost}}, Options{OnFailure: func(_ context.Context, err error) {
		failures = append(failures, err)
	}}, zaptest.NewLogger(t))

	m.Poll(context.Background())

	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], lost)
	assert.Equal(t, uint64(1), m.Stats().PollFailures)
	assert.Empty(t, m.History())
}

func TestMonitor_Subscribers(t *testing.T) {
	m := New(&scriptedPoller{}, Options{}, zaptest.NewLogger(t))
	var got []float64
	m.Subscribe(func(st status.MachineStatus) { got = append(got, st.MachinePos.X) })

	m.Poll(context.Background())
	m.Poll(context.Background())

	assert.Equal(t, []float64{1, 2}, got)
}

func TestMonitor_Reset(t *testing.T) {
	m := New(&scriptedPoller{}, Options{}, zaptest.NewLogger(t))
	m.Poll(context.Background())
	m.Reset()

	assert.Empty(t, m.History())
	assert.Equal(t, status.StateUnknown, m.Latest().State)
}

func TestMonitor_StartStop(t *testing.T) {
	m := New(&scriptedPoller{}, Options{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t))

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())

	assert.Eventually(t, func() bool { return len(m.History()) >= 3 }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	assert.False(t, m.IsRunning())

	n := len(m.History())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(m.History()))

	// restart after stop
	require.NoError(t, m.Start())
	assert.Eventually(t, func() bool { return len(m.History()) > n }, time.Second, 5*time.Millisecond)
	m.Stop()
}

func TestMonitor_PollsSimulatedController(t *testing.T) {
	sim := protocoltest.New("grbl")
	sim.SetStatus(status.MachineStatus{
		State:      status.StateRun,
		MachinePos: status.Position{X: 12.5, Y: 4},
		FeedRate:   status.Some(1500.0),
	})

	dialect, err := protocol.Lookup("grbl")
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	adapter := protocol.NewAdapter(dialect, sim.Opener(), protocol.DefaultConfig(), logger)
	require.NoError(t, adapter.Connect(context.Background(), "sim", 0))
	t.Cleanup(func() { adapter.Disconnect() })

	m := New(adapter, Options{Interval: 10 * time.Millisecond}, logger)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool { return len(m.History()) >= 2 }, 2*time.Second, 10*time.Millisecond)

	latest := m.Latest()
	assert.Equal(t, status.StateRun, latest.State)
	assert.Equal(t, 12.5, latest.MachinePos.X)
	assert.Equal(t, "Grbl 1.1h", latest.FirmwareVersion)
	assert.False(t, m.LastUpdate().IsZero())
}

func TestMonitor_DeferredPollSkipped(t *testing.T) {
	var failures int
	m := New(&scriptedPoller{queue: []error{faults.ErrStatusDeferred}}, Options{OnFailure: func(context.Context, error) {
		failures++
	}}, zaptest.NewLogger(t))

	m.Poll(context.Background())
	m.Poll(context.Background())

	st := m.Stats()
	assert.Zero(t, failures)
	assert.Equal(t, uint64(1), st.Deferred)
	assert.Zero(t, st.PollFailures)
	assert.Zero(t, st.ParseFailures)
	assert.Equal(t, uint64(1), st.Samples)
}
