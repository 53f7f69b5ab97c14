package protocol

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
	"github.com/KevinKickass/OpenLaserCore/internal/transport"
)

// Tap observes traffic in wire order. Implementations must not block.
type Tap interface {
	OnCommand(f Frame, origin Origin)
	OnResponse(resp ParsedResponse, origin Origin)
}

type Config struct {
	// HandshakeTimeout bounds the wait for a version reply after open and
	// for the greeting after a soft reset.
	HandshakeTimeout time.Duration
	// WriteTimeout is applied to transports that support deadlines.
	WriteTimeout time.Duration
	// DeferLimit bounds how long a queued status query may wait behind
	// user commands before an unanswered poll counts as a dead link.
	DeferLimit time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     2 * time.Second,
		DeferLimit:       5 * time.Minute,
	}
}

// Adapter owns the connection to one controller. Writes are serialized;
// a single reader goroutine matches acknowledgements to tickets in send
// order. Realtime frames bypass the ticket queue.
type Adapter struct {
	dialect Dialect
	opener  transport.Opener
	logger  *zap.Logger
	cfg     Config

	writeMu sync.Mutex
	pollMu  sync.Mutex
	polling atomic.Bool

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	lost      chan struct{}
	state     status.ConnectionState
	pending   []*Ticket
	version   string
	overrides map[OverrideKind]int
	taps      []Tap
	observers []func(status.ConnectionState)
	alarmFns  []func(code string)
	alarmed   bool
	// Line-frame status query still waiting for its reply.
	pollTicket *Ticket

	greetCh  chan string
	statusCh chan ParsedResponse
}

func NewAdapter(dialect Dialect, opener transport.Opener, cfg Config, logger *zap.Logger) *Adapter {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if cfg.DeferLimit <= 0 {
		cfg.DeferLimit = DefaultConfig().DeferLimit
	}
	return &Adapter{
		dialect:   dialect,
		opener:    opener,
		logger:    logger.With(zap.String("dialect", dialect.Name())),
		cfg:       cfg,
		state:     status.ConnectionState{Phase: status.Disconnected},
		overrides: defaultOverrides(),
		greetCh:   make(chan string, 1),
		statusCh:  make(chan ParsedResponse, 1),
	}
}

func defaultOverrides() map[OverrideKind]int {
	return map[OverrideKind]int{OverrideFeed: overrideDefault, OverrideSpindle: overrideDefault}
}

func (a *Adapter) Dialect() Dialect { return a.dialect }

// AddTap registers a traffic observer. Taps are not removed.
func (a *Adapter) AddTap(t Tap) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taps = append(a.taps, t)
}

// OnStateChange registers a callback for connection state changes.
func (a *Adapter) OnStateChange(fn func(status.ConnectionState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// OnAlarm registers a callback for alarms the controller raises while no
// user or recovery command is waiting. It runs on the reader goroutine and
// must not block.
func (a *Adapter) OnAlarm(fn func(code string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alarmFns = append(a.alarmFns, fn)
}

// InAlarm reports whether the controller last signalled a latched alarm.
// A successful soft reset or a non-alarm status report clears it.
func (a *Adapter) InAlarm() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alarmed
}

// Alive reports whether the port is open and its reader still running.
func (a *Adapter) Alive() bool {
	a.mu.Lock()
	conn, lost := a.conn, a.lost
	a.mu.Unlock()
	if conn == nil {
		return false
	}
	select {
	case <-lost:
		return false
	default:
		return true
	}
}

func (a *Adapter) State() status.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// FirmwareVersion is captured once per connection from the first version
// reply.
func (a *Adapter) FirmwareVersion() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// Override returns the tracked override percentage.
func (a *Adapter) Override(kind OverrideKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.overrides[kind]; ok {
		return v
	}
	return overrideDefault
}

// Connect opens the port and waits for the controller to identify
// itself. A zero baud selects the dialect default. Connecting an open
// adapter is a no-op.
func (a *Adapter) Connect(ctx context.Context, port string, baud int) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	if a.state.Phase == status.Connecting {
		a.mu.Unlock()
		return faults.InvalidParameter("connect already in progress")
	}
	a.mu.Unlock()
	a.setState(status.ConnectionState{Phase: status.Connecting})

	if baud <= 0 {
		baud = a.dialect.DefaultBaud()
	}
	conn, err := a.opener.Open(ctx, port, baud)
	if err != nil {
		a.setState(status.ErrorState(err.Error()))
		return faults.Transport("connection failed", err)
	}

	lost := make(chan struct{})
	a.mu.Lock()
	a.conn = conn
	a.lost = lost
	a.pending = nil
	a.pollTicket = nil
	a.alarmed = false
	a.version = ""
	a.overrides = defaultOverrides()
	a.mu.Unlock()
	drain(a.greetCh)

	go a.readLoop(conn, lost)

	if err := a.handshake(ctx, lost); err != nil {
		a.connectionEnded(conn, err)
		return err
	}

	a.logger.Info("Controller connected",
		zap.String("port", port),
		zap.Int("baud", baud),
		zap.String("firmware", a.FirmwareVersion()))
	a.setState(status.ConnectionState{Phase: status.Connected})
	return nil
}

// handshake sends the identify command and waits for a version line. It
// is repeated once midway for boards that reset when the port opens.
// Identify commands still unanswered afterwards become orphans.
func (a *Adapter) handshake(ctx context.Context, lost <-chan struct{}) error {
	hctx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()

	tickets, err := a.send(hctx, OriginHandshake, a.dialect.Identify()...)
	if err != nil {
		return err
	}

	retry := time.NewTimer(a.cfg.HandshakeTimeout / 2)
	defer retry.Stop()

	for {
		select {
		case <-a.greetCh:
			a.settle(hctx, tickets)
			return nil
		case <-retry.C:
			more, err := a.send(hctx, OriginHandshake, a.dialect.Identify()...)
			if err != nil {
				return err
			}
			tickets = append(tickets, more...)
		case <-lost:
			return faults.ErrDisconnected
		case <-hctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return faults.Transport("no version reply from controller", faults.ErrTimeout)
		}
	}
}

// settle gives outstanding identify commands a moment to be acknowledged.
// Whatever is still unanswered stays queued as an orphan for another
// handshake timeout, so a late reply cannot shift the queue onto the next
// user command.
func (a *Adapter) settle(ctx context.Context, tickets []*Ticket) {
	sctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_ = waitAll(sctx, tickets)

	until := time.Now().Add(a.cfg.HandshakeTimeout)
	a.mu.Lock()
	for _, t := range tickets {
		if !t.resolved() {
			t.orphanUntil = until
		}
	}
	a.mu.Unlock()
	for _, t := range tickets {
		t.complete(ParsedResponse{}, faults.ErrTimeout)
	}
}

// Disconnect closes the port. Pending commands fail with ErrDisconnected.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	conn, lost, pending := a.conn, a.lost, a.pending
	a.conn, a.pending, a.pollTicket = nil, nil, nil
	a.mu.Unlock()

	if conn == nil {
		a.setState(status.ConnectionState{Phase: status.Disconnected})
		return nil
	}

	err := conn.Close()
	for _, t := range pending {
		t.complete(ParsedResponse{}, faults.ErrDisconnected)
	}

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		a.logger.Warn("Reader did not stop after close")
	}

	a.setState(status.ConnectionState{Phase: status.Disconnected})
	a.logger.Info("Controller disconnected")
	if err != nil {
		return faults.Transport("close failed", err)
	}
	return nil
}

// connectionEnded tears down conn after a transport failure. It is a
// no-op when conn is no longer the active connection.
func (a *Adapter) connectionEnded(conn io.ReadWriteCloser, cause error) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	pending := a.pending
	a.conn, a.pending, a.pollTicket = nil, nil, nil
	a.mu.Unlock()

	conn.Close()
	for _, t := range pending {
		t.complete(ParsedResponse{}, &faults.Error{Kind: faults.KindTransport, Msg: "connection lost", Line: t.line, Err: cause})
	}

	a.logger.Error("Controller connection lost", zap.Error(cause))
	a.setState(status.ErrorState(cause.Error()))
}

func (a *Adapter) setState(s status.ConnectionState) {
	a.mu.Lock()
	a.state = s
	observers := append([]func(status.ConnectionState){}, a.observers...)
	a.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

// SendLine queues one G-code line and returns its ticket.
func (a *Adapter) SendLine(ctx context.Context, gcode string) (*Ticket, error) {
	line := strings.TrimSpace(gcode)
	if line == "" {
		return nil, faults.InvalidParameter("empty command")
	}
	if strings.ContainsAny(line, "\r\n") {
		return nil, faults.InvalidParameter("command spans multiple lines")
	}
	tickets, err := a.send(ctx, OriginUser, a.dialect.FormatLine(line))
	if err != nil {
		return nil, err
	}
	return tickets[0], nil
}

// Exchange sends one line and waits for its acknowledgement.
func (a *Adapter) Exchange(ctx context.Context, gcode string) (ParsedResponse, error) {
	t, err := a.SendLine(ctx, gcode)
	if err != nil {
		return ParsedResponse{}, err
	}
	return t.Wait(ctx)
}

// Execute sends one line on behalf of origin and waits for the reply.
func (a *Adapter) Execute(ctx context.Context, origin Origin, gcode string) (ParsedResponse, error) {
	tickets, err := a.send(ctx, origin, a.dialect.FormatLine(gcode))
	if err != nil {
		return ParsedResponse{}, err
	}
	return tickets[0].Wait(ctx)
}

func (a *Adapter) SendJog(ctx context.Context, axis Axis, distance, feed float64) error {
	frames, err := a.dialect.FormatJog(axis, distance, feed)
	if err != nil {
		return err
	}
	tickets, err := a.send(ctx, OriginUser, frames...)
	if err != nil {
		return err
	}
	return waitAll(ctx, tickets)
}

// SendHome waits until the homing command is acknowledged, which on most
// controllers is after the cycle completes.
func (a *Adapter) SendHome(ctx context.Context) error {
	tickets, err := a.send(ctx, OriginUser, a.dialect.FormatHome()...)
	if err != nil {
		return err
	}
	return waitAll(ctx, tickets)
}

// SendOverride nudges an override by delta percent; zero restores 100%.
// It returns the resulting percentage.
func (a *Adapter) SendOverride(ctx context.Context, kind OverrideKind, delta int) (int, error) {
	current := a.Override(kind)
	frames, next, err := a.dialect.FormatOverride(kind, current, delta)
	if err != nil {
		return current, err
	}
	tickets, err := a.send(ctx, OriginUser, frames...)
	if err != nil {
		return current, err
	}
	if err := waitAll(ctx, tickets); err != nil {
		return current, err
	}

	a.mu.Lock()
	a.overrides[kind] = next
	a.mu.Unlock()
	return next, nil
}

// QueryStatus sends the status query without waiting for the report.
func (a *Adapter) QueryStatus(ctx context.Context) error {
	_, err := a.send(ctx, OriginUser, a.dialect.StatusQuery())
	return err
}

// PollStatus queries the controller and waits for its report. Only one
// poll is outstanding at a time.
//
// A status query sent as a line frame is answered in turn, after the
// commands queued ahead of it. While such a query is still waiting no new
// one is sent, and a poll that runs out of time behind user commands on a
// live link fails with ErrStatusDeferred instead of a transport timeout.
func (a *Adapter) PollStatus(ctx context.Context) (status.MachineStatus, error) {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()

	a.mu.Lock()
	lost := a.lost
	waiting := a.pollTicket != nil && !a.pollTicket.resolved()
	a.mu.Unlock()

	a.polling.Store(true)
	defer a.polling.Store(false)

	if !waiting {
		drain(a.statusCh)
		tickets, err := a.send(ctx, OriginMonitor, a.dialect.StatusQuery())
		if err != nil {
			return status.MachineStatus{}, err
		}
		a.mu.Lock()
		a.pollTicket = nil
		if len(tickets) > 0 {
			a.pollTicket = tickets[0]
		}
		a.mu.Unlock()
	}

	select {
	case resp := <-a.statusCh:
		if resp.Kind != ResponseStatus {
			return status.MachineStatus{}, faults.Protocol("malformed status report: "+resp.Text, strings.TrimSpace(resp.Raw))
		}
		st := resp.Status
		st.FirmwareVersion = a.FirmwareVersion()
		st.Timestamp = time.Now()
		return st, nil
	case <-lost:
		return status.MachineStatus{}, faults.ErrDisconnected
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return status.MachineStatus{}, ctx.Err()
		}
		if a.queryDeferred(lost) {
			return status.MachineStatus{}, faults.ErrStatusDeferred
		}
		return status.MachineStatus{}, faults.Transport("status poll", faults.ErrTimeout)
	}
}

// queryDeferred reports whether the outstanding status query is queued
// behind user or recovery commands on a live link.
func (a *Adapter) queryDeferred(lost <-chan struct{}) bool {
	select {
	case <-lost:
		return false
	default:
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.pollTicket
	if q == nil || q.resolved() || time.Since(q.queued) > a.cfg.DeferLimit {
		return false
	}
	for _, t := range a.pending {
		if t == q {
			return false
		}
		if !t.resolved() && (t.origin == OriginUser || t.origin == OriginRecovery) {
			return true
		}
	}
	return false
}

// ParseStatus parses a report in the connected dialect.
func (a *Adapter) ParseStatus(raw string) (status.MachineStatus, error) {
	return a.dialect.ParseStatus(raw)
}

func (a *Adapter) ParseResponse(raw string) ParsedResponse {
	return a.dialect.ParseResponse(raw)
}

// SoftReset resets the controller and clears a lock-out. Commands still
// queued are discarded by the controller and fail with ErrReset.
func (a *Adapter) SoftReset(ctx context.Context) error {
	a.mu.Lock()
	discarded := a.pending
	a.pending, a.pollTicket = nil, nil
	a.overrides = defaultOverrides()
	a.mu.Unlock()
	for _, t := range discarded {
		t.complete(ParsedResponse{}, faults.ErrReset)
	}
	drain(a.greetCh)

	rctx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()

	tickets, err := a.send(rctx, OriginRecovery, a.dialect.SoftReset()...)
	if err != nil {
		return err
	}
	if err := waitAll(rctx, tickets); err != nil {
		return err
	}
	if a.dialect.ResetGreets() {
		select {
		case <-a.greetCh:
		case <-rctx.Done():
			return faults.Transport("no greeting after reset", faults.ErrTimeout)
		}
	}

	if unlock := a.dialect.Unlock(); len(unlock) > 0 {
		tickets, err := a.send(rctx, OriginRecovery, unlock...)
		if err != nil {
			return err
		}
		if err := waitAll(rctx, tickets); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.alarmed = false
	a.mu.Unlock()
	a.logger.Info("Controller reset")
	return nil
}

// send writes frames in order. Line frames are queued as tickets before
// they are written so a fast acknowledgement cannot overtake the queue.
func (a *Adapter) send(ctx context.Context, origin Origin, frames ...Frame) ([]*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	conn := a.conn
	ready := conn != nil && (a.state.IsConnected() || origin == OriginHandshake)
	a.mu.Unlock()
	if !ready {
		return nil, faults.ErrNotConnected
	}

	tickets := make([]*Ticket, 0, len(frames))
	for _, f := range frames {
		var t *Ticket
		if !f.Realtime {
			t = newTicket(f.Command(), origin)
		}

		a.mu.Lock()
		if a.conn != conn {
			a.mu.Unlock()
			return tickets, faults.ErrDisconnected
		}
		if t != nil {
			a.pending = append(a.pending, t)
		}
		taps := a.taps
		a.mu.Unlock()

		for _, tap := range taps {
			tap.OnCommand(f, origin)
		}

		if err := a.write(conn, f.Text); err != nil {
			werr := faults.Transport("write failed", err)
			a.connectionEnded(conn, werr)
			return tickets, werr
		}
		if t != nil {
			tickets = append(tickets, t)
		}
	}
	return tickets, nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (a *Adapter) write(conn io.Writer, text string) error {
	if d, ok := conn.(writeDeadliner); ok && a.cfg.WriteTimeout > 0 {
		d.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	}
	_, err := io.WriteString(conn, text)
	return err
}

func (a *Adapter) readLoop(conn io.ReadWriteCloser, lost chan struct{}) {
	defer close(lost)

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); strings.TrimSpace(line) != "" {
			a.handleLine(line)
		}
		if err != nil {
			a.connectionEnded(conn, faults.Transport("read failed", err))
			return
		}
	}
}

// handleLine resolves the ticket a reply belongs to and fans the reply
// out to taps and a waiting poll.
func (a *Adapter) handleLine(raw string) {
	resp := a.dialect.ParseResponse(raw)
	origin := OriginDevice

	a.mu.Lock()
	alarmed := a.alarmed
	a.mu.Unlock()

	switch resp.Kind {
	case ResponseOk:
		if t := a.popTicket(); t != nil {
			origin = t.origin
			if t.deferred != nil {
				t.complete(t.deferredResp, t.deferred)
			} else {
				t.complete(resp, nil)
			}
		} else {
			a.logger.Debug("Acknowledgement without pending command")
		}
	case ResponseError:
		if a.dialect.ErrorsTrailedByOk() {
			a.mu.Lock()
			if t := a.headLocked(); t != nil {
				origin = t.origin
				t.deferred = a.commandError(resp, t.line, alarmed)
				t.deferredResp = resp
			}
			a.mu.Unlock()
		} else if t := a.popTicket(); t != nil {
			origin = t.origin
			t.complete(resp, a.commandError(resp, t.line, alarmed))
		}
	case ResponseAlarm:
		// The controller drops its queue on an alarm; nothing pending
		// will be acknowledged.
		a.mu.Lock()
		pending := a.pending
		a.pending, a.pollTicket = nil, nil
		a.alarmed = true
		fns := append([]func(string){}, a.alarmFns...)
		a.mu.Unlock()
		solicited := false
		for _, t := range pending {
			if !t.resolved() && (t.origin == OriginUser || t.origin == OriginRecovery) {
				solicited = true
			}
			t.complete(resp, faults.Critical(resp.Code, t.line))
		}
		if !solicited {
			a.logger.Warn("Unsolicited alarm", zap.String("code", resp.Code))
			for _, fn := range fns {
				fn(resp.Code)
			}
		}
	case ResponseVersion:
		a.mu.Lock()
		if a.version == "" {
			a.version = resp.Text
		}
		a.mu.Unlock()
		select {
		case a.greetCh <- resp.Text:
		default:
		}
	}

	if resp.Telemetry {
		a.mu.Lock()
		queried := a.pollTicket != nil && !a.pollTicket.resolved()
		if resp.Kind == ResponseStatus && resp.Status.State != status.StateUnknown {
			a.alarmed = resp.Status.State.IsAlarm()
		}
		a.mu.Unlock()
		if queried || a.polling.Load() {
			origin = OriginMonitor
		}
		a.deliverStatus(resp)
	}

	a.mu.Lock()
	taps := a.taps
	a.mu.Unlock()
	for _, tap := range taps {
		tap.OnResponse(resp, origin)
	}
}

func (a *Adapter) popTicket() *Ticket {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.headLocked()
	if t != nil {
		a.pending = a.pending[1:]
	}
	return t
}

// headLocked returns the ticket the next reply belongs to, discarding
// orphans whose reply is overdue. Callers hold a.mu.
func (a *Adapter) headLocked() *Ticket {
	now := time.Now()
	for len(a.pending) > 0 && a.pending[0].expired(now) {
		a.pending = a.pending[1:]
	}
	if len(a.pending) == 0 {
		return nil
	}
	return a.pending[0]
}

// commandError classifies a rejection. While an alarm is latched the
// controller's lock-out rejection is critical: only a reset clears it.
func (a *Adapter) commandError(resp ParsedResponse, line string, alarmed bool) error {
	if a.dialect.IsCritical(resp.Code) || (alarmed && a.dialect.IsLockout(resp.Code)) {
		return faults.Critical(resp.Code, line)
	}
	return faults.Command(resp.Code, line)
}

// deliverStatus hands the newest report to a waiting poll, replacing any
// report nobody collected.
func (a *Adapter) deliverStatus(resp ParsedResponse) {
	select {
	case a.statusCh <- resp:
		return
	default:
	}
	select {
	case <-a.statusCh:
	default:
	}
	select {
	case a.statusCh <- resp:
	default:
	}
}

func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
