// Package recovery classifies controller failures and drives reconnects,
// command retries and controller resets under a bounded retry policy.
package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

// Target is the connection the engine acts on.
type Target interface {
	Execute(ctx context.Context, origin protocol.Origin, gcode string) (protocol.ParsedResponse, error)
	Reconnect(ctx context.Context) error
	SoftReset(ctx context.Context) error
	PollStatus(ctx context.Context) (status.MachineStatus, error)
	// StillFailing re-checks a failure observed outside a command before
	// it is acted on. Reports go stale while an earlier episode runs.
	StillFailing(ctx context.Context, cause error) bool
}

type Option func(*Engine)

// WithActionHook is called after every recovery action.
func WithActionHook(fn func(ActionRecord)) Option {
	return func(e *Engine) { e.onAction = append(e.onAction, fn) }
}

// WithFailureHook is called when a failure is surfaced to the caller:
// exhaustion, a critical fault, or any failure with recovery disabled.
func WithFailureHook(fn func(line int, err error)) Option {
	return func(e *Engine) { e.onFailure = append(e.onFailure, fn) }
}

// WithModeHook is called on every mode change.
func WithModeHook(fn func(State)) Option {
	return func(e *Engine) { e.onMode = append(e.onMode, fn) }
}

type Engine struct {
	target Target
	cfg    Config
	logger *zap.Logger

	onAction  []func(ActionRecord)
	onFailure []func(int, error)
	onMode    []func(State)

	// episodeMu serialises commands and recovery episodes.
	episodeMu sync.Mutex

	mu         sync.Mutex
	state      State
	episode    string
	generation uint64
	cancel     context.CancelFunc
	exhausted  *ExhaustedError
	// Critical faults reported outside Execute; a line waiting for the
	// episode must not be sent onto the reset controller.
	faultSeq  uint64
	lastFault error
}

func NewEngine(target Target, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	e := &Engine{
		target: target,
		cfg:    cfg,
		logger: logger.Named("recovery"),
		state:  State{Mode: ModeNormal},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// State returns a copy of the engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

func (e *Engine) snapshot() State {
	s := e.state
	s.Log = append([]ActionRecord(nil), e.state.Log...)
	return s
}

// Classify maps an error onto the failure classes in precedence order.
func Classify(err error) faults.Kind {
	switch faults.KindOf(err) {
	case faults.KindTransport:
		return faults.KindTransport
	case faults.KindCritical:
		return faults.KindCritical
	case faults.KindCommand:
		return faults.KindCommand
	default:
		return faults.KindUnknown
	}
}

// ActionFor is the recovery policy for a failure class.
func ActionFor(kind faults.Kind, cfg Config) Action {
	if !cfg.AutoRecover {
		return ActionSurface
	}
	switch kind {
	case faults.KindTransport:
		return ActionReconnect
	case faults.KindCritical:
		if cfg.ResetOnCritical {
			return ActionResetController
		}
		return ActionSurface
	case faults.KindCommand:
		return ActionRetryCommand
	default:
		return ActionResetController
	}
}

// Execute sends one program line and recovers from failures according to
// the policy. It returns nil once the line is acknowledged. A critical
// fault is returned after the controller has been reset; the line is not
// resent. Exhaustion returns *ExhaustedError. A line that waited for a
// reported critical fault to be handled returns that fault unsent.
func (e *Engine) Execute(ctx context.Context, line int, gcode string) error {
	seq := e.faultMark()
	e.episodeMu.Lock()
	defer e.episodeMu.Unlock()

	if err := e.exhaustedErr(); err != nil {
		return err
	}
	if err := e.faultSince(seq); err != nil {
		return err
	}

	ctx, gen, done := e.begin(ctx)
	defer done()

	for {
		_, err := e.target.Execute(ctx, protocol.OriginUser, gcode)
		if err == nil {
			e.succeeded()
			return nil
		}
		if e.aborted(gen) {
			return faults.ErrDisconnected
		}
		if !recoverable(ctx, err) {
			return err
		}

		resend, err := e.recover(ctx, gen, line, gcode, err)
		if !resend {
			return err
		}
	}
}

// Report feeds a failure observed outside Execute, such as a failed status
// poll or an unsolicited alarm, through the policy. Command failures carry
// no line to resend and are returned unchanged. A report the target no
// longer confirms is dropped. A critical fault is surfaced once the
// controller is reset, so a running job pauses.
func (e *Engine) Report(ctx context.Context, cause error) error {
	if cause == nil {
		return nil
	}
	e.episodeMu.Lock()
	defer e.episodeMu.Unlock()

	if err := e.exhaustedErr(); err != nil {
		return err
	}
	if !recoverable(ctx, cause) || Classify(cause) == faults.KindCommand {
		return cause
	}
	if !e.target.StillFailing(ctx, cause) {
		e.logger.Debug("Dropping stale failure report", zap.Error(cause))
		return nil
	}

	ctx, gen, done := e.begin(ctx)
	defer done()

	resend, err := e.recover(ctx, gen, 0, "", cause)
	if err != nil {
		return err
	}
	if resend {
		// The action worked and there is nothing to resend; confirm the
		// controller answers.
		if _, err := e.target.PollStatus(ctx); err != nil {
			return err
		}
		e.succeeded()
	}
	if Classify(cause) == faults.KindCritical {
		e.raise(cause)
	}
	return nil
}

// raise surfaces a critical fault that hit no particular line.
func (e *Engine) raise(cause error) {
	e.mu.Lock()
	e.faultSeq++
	e.lastFault = cause
	e.mu.Unlock()
	e.surface(0, cause)
}

func (e *Engine) faultMark() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.faultSeq
}

// faultSince returns the critical fault raised after mark, if any.
func (e *Engine) faultSince(mark uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.faultSeq != mark {
		return e.lastFault
	}
	return nil
}

// recover runs recovery actions until one succeeds, the budget is spent or
// the failure is surfaced. resend reports that the line should be sent
// again.
func (e *Engine) recover(ctx context.Context, gen uint64, line int, gcode string, cause error) (resend bool, err error) {
	for {
		kind := Classify(cause)
		action := ActionFor(kind, e.cfg)
		if action == ActionSurface {
			e.surface(line, cause)
			return false, cause
		}

		attempt, exErr := e.nextAttempt(line, cause)
		if exErr != nil {
			e.surface(line, exErr)
			return false, exErr
		}

		if err := e.wait(ctx); err != nil {
			if e.aborted(gen) {
				return false, faults.ErrDisconnected
			}
			return false, err
		}

		actErr := e.perform(ctx, action)
		if e.aborted(gen) {
			return false, faults.ErrDisconnected
		}
		e.record(action, kind, cause, line, attempt, actErr)
		if actErr != nil {
			if !recoverable(ctx, actErr) {
				return false, actErr
			}
			cause = actErr
			continue
		}

		switch action {
		case ActionRetryCommand, ActionReconnect:
			return true, nil
		case ActionResetController:
			st, perr := e.target.PollStatus(ctx)
			if perr != nil {
				if !recoverable(ctx, perr) {
					return false, perr
				}
				cause = perr
				continue
			}
			if st.State.IsAlarm() {
				// One reset per critical fault; a persisting alarm is
				// handed to the operator.
				persist := &faults.Error{Kind: faults.KindCritical, Msg: "alarm persists after reset", Err: cause}
				e.surface(line, persist)
				return false, persist
			}
			e.succeeded()
			if line == 0 && gcode == "" {
				return false, nil
			}
			// The controller lost its program state; the job must decide
			// where to resume.
			e.surface(line, cause)
			return false, cause
		}
	}
}

func (e *Engine) perform(ctx context.Context, action Action) error {
	switch action {
	case ActionReconnect:
		return e.target.Reconnect(ctx)
	case ActionResetController:
		return e.target.SoftReset(ctx)
	default:
		// Resending is done by the caller's loop.
		return nil
	}
}

// nextAttempt reserves an attempt or moves the engine to Exhausted.
func (e *Engine) nextAttempt(line int, cause error) (int, *ExhaustedError) {
	e.mu.Lock()
	if e.state.Attempts >= e.cfg.MaxRetries {
		ex := &ExhaustedError{Line: line, Cause: cause, Log: append([]ActionRecord(nil), e.state.Log...)}
		e.exhausted = ex
		e.state.Mode = ModeExhausted
		e.state.LastError = cause.Error()
		s := e.snapshot()
		e.mu.Unlock()

		e.logger.Error("Recovery exhausted",
			zap.Int("line", line),
			zap.Int("attempts", s.Attempts),
			zap.Error(cause))
		e.notifyMode(s)
		return 0, ex
	}

	e.state.Attempts++
	attempt := e.state.Attempts
	changed := e.state.Mode != ModeRecovering
	e.state.Mode = ModeRecovering
	e.state.LastError = cause.Error()
	s := e.snapshot()
	e.mu.Unlock()

	if changed {
		e.notifyMode(s)
	}
	return attempt, nil
}

func (e *Engine) record(action Action, kind faults.Kind, cause error, line, attempt int, actErr error) {
	rec := ActionRecord{
		ID:        uuid.NewString(),
		Action:    action,
		Kind:      kind.String(),
		Cause:     cause.Error(),
		Line:      line,
		Attempt:   attempt,
		Success:   actErr == nil,
		Timestamp: time.Now(),
	}
	if actErr != nil {
		rec.Error = actErr.Error()
	}

	e.mu.Lock()
	rec.Episode = e.episode
	e.state.Log = append(e.state.Log, rec)
	e.mu.Unlock()

	fields := []zap.Field{
		zap.String("action", string(action)),
		zap.String("kind", rec.Kind),
		zap.Int("attempt", attempt),
		zap.Int("line", line),
		zap.String("cause", rec.Cause),
	}
	if actErr != nil {
		e.logger.Warn("Recovery action failed", append(fields, zap.Error(actErr))...)
	} else {
		e.logger.Info("Recovery action", fields...)
	}

	for _, fn := range e.onAction {
		fn(rec)
	}
}

// succeeded closes the episode: counter back to zero, mode Normal.
func (e *Engine) succeeded() {
	e.mu.Lock()
	if e.state.Mode == ModeNormal && e.state.Attempts == 0 {
		e.mu.Unlock()
		return
	}
	e.state.Mode = ModeNormal
	e.state.Attempts = 0
	e.episode = uuid.NewString()
	s := e.snapshot()
	e.mu.Unlock()

	e.logger.Info("Recovered")
	e.notifyMode(s)
}

func (e *Engine) surface(line int, err error) {
	for _, fn := range e.onFailure {
		fn(line, err)
	}
}

func (e *Engine) notifyMode(s State) {
	for _, fn := range e.onMode {
		fn(s)
	}
}

func (e *Engine) exhaustedErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exhausted != nil {
		return e.exhausted
	}
	return nil
}

// Acknowledge clears an exhausted episode after operator intervention.
func (e *Engine) Acknowledge() {
	e.reset("acknowledged")
}

// Abort cancels the running episode and returns the engine to Normal.
// Callers waiting in Execute receive ErrDisconnected.
func (e *Engine) Abort() {
	e.reset("aborted")
}

func (e *Engine) reset(reason string) {
	e.mu.Lock()
	e.generation++
	if e.cancel != nil {
		e.cancel()
	}
	e.exhausted = nil
	changed := e.state.Mode != ModeNormal
	e.state.Mode = ModeNormal
	e.state.Attempts = 0
	e.state.LastError = ""
	e.episode = uuid.NewString()
	s := e.snapshot()
	e.mu.Unlock()

	if changed {
		e.logger.Info("Recovery state reset", zap.String("reason", reason))
		e.notifyMode(s)
	}
}

// begin derives the context of one Execute or Report call. Abort cancels
// it.
func (e *Engine) begin(ctx context.Context) (context.Context, uint64, func()) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.episode == "" {
		e.episode = uuid.NewString()
	}
	gen := e.generation
	e.cancel = cancel
	e.mu.Unlock()

	return ctx, gen, func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}
}

func (e *Engine) aborted(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation != gen
}

func (e *Engine) wait(ctx context.Context) error {
	if e.cfg.RetryDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recoverable filters failures no action can fix: cancellation by the
// caller and requests the device never saw.
func recoverable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return faults.KindOf(err) != faults.KindInvalidParameter
}
