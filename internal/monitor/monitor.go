// Package monitor polls controller status on a fixed cadence and keeps a
// bounded history of snapshots.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/ringbuf"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

const (
	DefaultInterval = 250 * time.Millisecond
	// DefaultCapacity holds 75 seconds at the default interval.
	DefaultCapacity = 300
	DefaultTimeout  = time.Second
)

// Poller is implemented by protocol.Adapter.
type Poller interface {
	PollStatus(ctx context.Context) (status.MachineStatus, error)
}

type Options struct {
	Interval time.Duration
	Capacity int
	// Timeout bounds one poll.
	Timeout time.Duration
	// OnFailure receives poll failures other than malformed reports. It
	// runs on the polling goroutine; ticks are skipped while it blocks.
	OnFailure func(ctx context.Context, err error)
}

type Stats struct {
	Ticks         uint64 `json:"ticks"`
	Samples       uint64 `json:"samples"`
	ParseFailures uint64 `json:"parse_failures"`
	PollFailures  uint64 `json:"poll_failures"`
	Deferred      uint64 `json:"deferred"`
	LastError     string `json:"last_error,omitempty"`
}

type Monitor struct {
	poller    Poller
	interval  time.Duration
	timeout   time.Duration
	onFailure func(ctx context.Context, err error)
	logger    *zap.Logger
	history   *ringbuf.Buffer[status.MachineStatus]

	mu          sync.RWMutex
	latest      status.MachineStatus
	lastUpdate  time.Time
	stats       Stats
	subscribers []func(status.MachineStatus)

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(poller Poller, opts Options, logger *zap.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Monitor{
		poller:    poller,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		onFailure: opts.OnFailure,
		logger:    logger.Named("monitor"),
		history:   ringbuf.New[status.MachineStatus](opts.Capacity),
		latest:    status.Unknown(),
	}
}

// Subscribe registers fn for every new sample. fn runs on the polling
// goroutine and must not block.
func (m *Monitor) Subscribe(fn func(status.MachineStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Start startet das zyklische Polling
func (m *Monitor) Start() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.stopChan = make(chan struct{})
	m.cancel = cancel
	m.wg.Add(1)

	go m.pollLoop(ctx, m.stopChan)

	m.logger.Info("Monitor started", zap.Duration("interval", m.interval))
	return nil
}

// Stop blocks until the polling goroutine has exited.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	close(m.stopChan)
	m.cancel()
	m.running = false
	m.runMu.Unlock()

	m.wg.Wait()
	m.logger.Info("Monitor stopped")
}

func (m *Monitor) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Monitor) pollLoop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs one tick. A malformed or deferred report is counted and
// skipped; neither is a link failure.
func (m *Monitor) Poll(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	st, err := m.poller.PollStatus(pctx)
	cancel()

	m.mu.Lock()
	m.stats.Ticks++
	if err != nil {
		if errors.Is(err, faults.ErrStatusDeferred) {
			m.stats.Deferred++
			m.mu.Unlock()
			m.logger.Debug("Status report deferred, controller busy")
			return
		}
		m.stats.LastError = err.Error()
		if faults.KindOf(err) == faults.KindProtocol {
			m.stats.ParseFailures++
			m.mu.Unlock()
			m.logger.Debug("Skipping malformed status report", zap.Error(err))
			return
		}
		m.stats.PollFailures++
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("Status poll failed", zap.Error(err))
		if m.onFailure != nil {
			m.onFailure(ctx, err)
		}
		return
	}

	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now()
	}
	m.latest = st
	m.lastUpdate = st.Timestamp
	m.stats.Samples++
	subs := m.subscribers
	m.mu.Unlock()

	m.history.Push(st)
	for _, fn := range subs {
		fn(st)
	}
}

// Latest returns the newest snapshot, or an Unknown status before the
// first successful poll.
func (m *Monitor) Latest() status.MachineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// LastUpdate is the time of the newest snapshot; zero before the first.
func (m *Monitor) LastUpdate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdate
}

// History returns a copy of the buffered snapshots, oldest first.
func (m *Monitor) History() []status.MachineStatus {
	return m.history.Snapshot()
}

// Recent returns up to n of the newest snapshots, oldest first.
func (m *Monitor) Recent(n int) []status.MachineStatus {
	return m.history.Last(n)
}

func (m *Monitor) Capacity() int { return m.history.Cap() }

func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Reset forgets history and the latest snapshot, used when the controller
// changes.
func (m *Monitor) Reset() {
	m.history.Clear()
	m.mu.Lock()
	m.latest = status.Unknown()
	m.lastUpdate = time.Time{}
	m.mu.Unlock()
}
