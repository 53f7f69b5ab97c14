package machine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/analytics"
	"github.com/KevinKickass/OpenLaserCore/internal/console"
	"github.com/KevinKickass/OpenLaserCore/internal/events"
	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/monitor"
	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
	"github.com/KevinKickass/OpenLaserCore/internal/recovery"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
	"github.com/KevinKickass/OpenLaserCore/internal/transport"
)

// Controller owns one controller connection: the protocol adapter, the
// recovery engine wrapped around it, the status monitor and the console
// transcript. UI and job code talk to the machine only through it.
type Controller struct {
	logger  *zap.Logger
	opts    Options
	adapter *protocol.Adapter
	target  *recovery.AdapterTarget
	engine  *recovery.Engine
	monitor *monitor.Monitor
	console *console.Logger

	hub     events.Publisher
	journal Journal

	mu        sync.RWMutex
	hooks     JobHooks
	connected bool
	lastState status.MachineState
	sampleIdx uint64

	consoleStop func()
	forwardDone chan struct{}
}

func NewController(dialect protocol.Dialect, opener transport.Opener, opts Options, logger *zap.Logger, extras ...Option) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		logger:    logger.Named("machine"),
		opts:      opts,
		hooks:     noopHooks{},
		hub:       events.Discard,
		lastState: status.StateUnknown,
	}
	for _, opt := range extras {
		opt(c)
	}

	c.console = console.New(opts.Console, logger)
	c.adapter = protocol.NewAdapter(dialect, opener, opts.Adapter, logger)
	c.adapter.AddTap(c.console)
	c.adapter.OnStateChange(c.onConnectionState)
	c.adapter.OnAlarm(c.onAlarm)

	c.target = recovery.NewAdapterTarget(c.adapter)
	c.engine = recovery.NewEngine(c.target, opts.Recovery, logger,
		recovery.WithActionHook(c.onRecoveryAction),
		recovery.WithFailureHook(c.onRecoveryFailure),
		recovery.WithModeHook(c.onRecoveryMode),
	)

	monOpts := opts.Monitor
	monOpts.OnFailure = c.onPollFailure
	c.monitor = monitor.New(c.adapter, monOpts, logger)
	c.monitor.Subscribe(c.onSample)

	msgs, stop := c.console.Subscribe(512)
	c.consoleStop = stop
	c.forwardDone = make(chan struct{})
	go c.forwardConsole(msgs)

	return c
}

// SetJobHooks replaces the job manager callbacks.
func (c *Controller) SetJobHooks(h JobHooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		h = noopHooks{}
	}
	c.hooks = h
}

func (c *Controller) jobHooks() JobHooks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hooks
}

func (c *Controller) Dialect() string { return c.adapter.Dialect().Name() }

// Connect opens the controller and starts status polling. Calling it while
// connected is a no-op.
func (c *Controller) Connect(ctx context.Context, port string, baud int) error {
	if port == "" {
		return faults.InvalidParameter("port is required")
	}
	if p, _ := c.target.Endpoint(); p != port {
		c.monitor.Reset()
	}
	c.target.SetEndpoint(port, baud)

	c.console.Tracef(console.SeverityInfo, "Connecting to %s (%s)", port, c.Dialect())
	if err := c.adapter.Connect(ctx, port, baud); err != nil {
		c.console.Tracef(console.SeverityError, "Connection to %s failed: %v", port, err)
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.console.Tracef(console.SeverityInfo, "Connected to %s", c.adapter.FirmwareVersion())
	return c.monitor.Start()
}

// Disconnect stops polling, aborts any recovery episode and closes the
// transport. A job waiting on a line is told the connection is gone.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()

	c.monitor.Stop()
	c.engine.Abort()
	err := c.adapter.Disconnect()

	if was {
		c.console.Trace(console.SeverityInfo, "Disconnected")
		c.jobHooks().ConnectionLost(faults.ErrDisconnected)
	}
	return err
}

func (c *Controller) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Controller) ConnectionState() status.ConnectionState { return c.adapter.State() }

// ExecuteLine sends one program line through the recovery engine. line is
// the program line number reported to PauseAt.
func (c *Controller) ExecuteLine(ctx context.Context, line int, gcode string) error {
	if !c.IsConnected() {
		return faults.ErrNotConnected
	}
	return c.engine.Execute(ctx, line, gcode)
}

// SendLine writes a manual command without recovery and waits for the
// acknowledgement.
func (c *Controller) SendLine(ctx context.Context, gcode string) (protocol.ParsedResponse, error) {
	return c.adapter.Execute(ctx, protocol.OriginUser, gcode)
}

func (c *Controller) Jog(ctx context.Context, axis protocol.Axis, distance, feed float64) error {
	return c.adapter.SendJog(ctx, axis, distance, feed)
}

func (c *Controller) Home(ctx context.Context) error {
	return c.adapter.SendHome(ctx)
}

// Override nudges the feed or spindle override and returns the new
// percentage.
func (c *Controller) Override(ctx context.Context, kind protocol.OverrideKind, delta int) (int, error) {
	return c.adapter.SendOverride(ctx, kind, delta)
}

// Reset issues the controller soft reset and unlock sequence.
func (c *Controller) Reset(ctx context.Context) error {
	c.console.Trace(console.SeverityWarning, "Soft reset requested")
	return c.adapter.SoftReset(ctx)
}

// CurrentStatus returns the newest status snapshot.
func (c *Controller) CurrentStatus() status.MachineStatus {
	st := c.monitor.Latest()
	if st.FirmwareVersion == "" {
		st.FirmwareVersion = c.adapter.FirmwareVersion()
	}
	return st
}

// History returns up to n of the newest snapshots; n <= 0 returns all.
func (c *Controller) History(n int) []status.MachineStatus {
	if n <= 0 {
		return c.monitor.History()
	}
	return c.monitor.Recent(n)
}

func (c *Controller) MonitorStats() monitor.Stats { return c.monitor.Stats() }

// Analytics summarises the current history window.
func (c *Controller) Analytics() analytics.Summary {
	return analytics.Summarize(c.monitor.History(), c.opts.TransitionDwell, c.opts.MoveEpsilon)
}

func (c *Controller) ConsoleMessages(f console.Filter) []console.Message {
	return c.console.Messages(f)
}

func (c *Controller) Console() *console.Logger { return c.console }

func (c *Controller) Recovery() recovery.State { return c.engine.State() }

// AcknowledgeRecovery clears an exhausted recovery episode.
func (c *Controller) AcknowledgeRecovery() {
	c.engine.Acknowledge()
	c.console.Trace(console.SeverityInfo, "Recovery acknowledged by operator")
}

// GetStatus feeds the websocket snapshot on client connect.
func (c *Controller) GetStatus() any {
	return Snapshot{
		Status:     c.CurrentStatus(),
		Connection: c.ConnectionState(),
		Recovery:   c.Recovery(),
		Dialect:    c.Dialect(),
		Time:       time.Now(),
	}
}

// Close disconnects and stops forwarding console messages.
func (c *Controller) Close() error {
	err := c.Disconnect()
	c.consoleStop()
	<-c.forwardDone
	return err
}

func (c *Controller) onPollFailure(ctx context.Context, err error) {
	if !c.IsConnected() {
		return
	}
	if rerr := c.engine.Report(ctx, err); rerr != nil && ctx.Err() == nil {
		c.logger.Warn("Poll failure not recovered", zap.Error(rerr))
	}
}

// onAlarm runs on the adapter's reader; the report blocks on the recovery
// episode, so it gets its own goroutine.
func (c *Controller) onAlarm(code string) {
	c.console.Tracef(console.SeverityError, "Controller raised ALARM:%s", code)
	if !c.IsConnected() {
		return
	}
	go func() {
		if err := c.engine.Report(context.Background(), faults.Critical(code, "")); err != nil {
			c.logger.Warn("Alarm not recovered", zap.String("code", code), zap.Error(err))
		}
	}()
}

func (c *Controller) onSample(st status.MachineStatus) {
	c.mu.Lock()
	prev := c.lastState
	c.lastState = st.State
	idx := c.sampleIdx
	c.sampleIdx++
	c.mu.Unlock()

	c.hub.Publish(events.MachineStatus, st)

	if prev == st.State || prev == status.StateUnknown && idx == 0 {
		return
	}
	c.hub.Publish(events.StateTransition, events.Transition{From: string(prev), To: string(st.State), At: st.Timestamp})

	switch {
	case st.State.IsAlarm():
		c.console.Tracef(console.SeverityError, "Machine entered alarm (was %s)", prev)
	case prev.IsAlarm():
		c.console.Tracef(console.SeverityWarning, "Machine left alarm, now %s", st.State)
	}
}

func (c *Controller) onConnectionState(cs status.ConnectionState) {
	c.hub.Publish(events.ConnectionState, events.Connection{Phase: cs.Phase.String(), Reason: cs.Reason})
	if cs.Phase == status.ConnectionError {
		c.console.Tracef(console.SeverityError, "Connection error: %s", cs.Reason)
	}
}

func (c *Controller) onRecoveryAction(rec recovery.ActionRecord) {
	sev := console.SeverityWarning
	text := "Recovery: " + string(rec.Action) + " after " + rec.Kind + " error"
	if !rec.Success {
		sev = console.SeverityError
		text += " failed: " + rec.Error
	}
	c.console.Trace(sev, text)
	c.hub.Publish(events.RecoveryAction, rec)
	if c.journal != nil {
		c.journal.RecordAction(rec)
	}
}

func (c *Controller) onRecoveryFailure(line int, err error) {
	c.console.Tracef(console.SeverityError, "Job paused at line %d: %v", line, err)
	c.jobHooks().PauseAt(line, err)
}

func (c *Controller) onRecoveryMode(s recovery.State) {
	switch s.Mode {
	case recovery.ModeExhausted:
		c.console.Tracef(console.SeverityError, "Recovery exhausted: %s", s.LastError)
	case recovery.ModeRecovering:
		c.console.Tracef(console.SeverityWarning, "Recovering from: %s", s.LastError)
	case recovery.ModeNormal:
		c.console.Trace(console.SeverityInfo, "Recovered")
	}
}

func (c *Controller) forwardConsole(msgs <-chan console.Message) {
	defer close(c.forwardDone)
	for m := range msgs {
		c.hub.Publish(events.ConsoleMessage, m)
		if c.journal != nil {
			c.journal.RecordMessage(m)
		}
	}
}

// Snapshot is the combined view sent to websocket clients.
type Snapshot struct {
	Status     status.MachineStatus   `json:"status"`
	Connection status.ConnectionState `json:"connection"`
	Recovery   recovery.State         `json:"recovery"`
	Dialect    string                 `json:"dialect"`
	Time       time.Time              `json:"time"`
}
