package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/events"
)

var (
	ErrBusy      = errors.New("a job is already active")
	ErrNoJob     = errors.New("no active job")
	ErrNotPaused = errors.New("job is not paused")
)

// progressEvery is the number of executed lines between progress events.
const progressEvery = 25

type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

type Status struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	State       State      `json:"state"`
	TotalLines  int        `json:"total_lines"`
	Executed    int        `json:"executed"`
	CurrentLine int        `json:"current_line"`
	PauseCause  string     `json:"pause_cause,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Executor runs one program line through recovery. machine.Controller
// implements it.
type Executor interface {
	ExecuteLine(ctx context.Context, line int, gcode string) error
}

// Runner streams one program at a time. It implements machine.JobHooks:
// a failed line parks the job on that line until the operator resumes
// (retrying the line) or skips it.
type Runner struct {
	exec     Executor
	streamer *EventStreamer
	hub      events.Publisher
	logger   *zap.Logger

	mu      sync.Mutex
	active  *run
	last    Status
	hasLast bool
}

type run struct {
	prog   *Program
	status Status
	idx    int

	pauseReq   bool
	pauseCause string

	resume chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner. hub may be nil.
func NewRunner(exec Executor, hub events.Publisher, logger *zap.Logger) *Runner {
	if hub == nil {
		hub = events.Discard
	}
	return &Runner{
		exec:     exec,
		streamer: NewEventStreamer(),
		hub:      hub,
		logger:   logger.Named("job"),
	}
}

func (r *Runner) Events() *EventStreamer { return r.streamer }

// Start begins streaming prog and returns the job ID.
func (r *Runner) Start(prog *Program) (uuid.UUID, error) {
	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		return uuid.Nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{
		prog: prog,
		status: Status{
			ID:          uuid.New(),
			Name:        prog.Name,
			State:       StateRunning,
			TotalLines:  len(prog.Lines),
			CurrentLine: prog.Lines[0].Number,
			StartedAt:   time.Now(),
		},
		resume: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.active = rn
	r.mu.Unlock()

	r.logger.Info("Job started",
		zap.String("job_id", rn.status.ID.String()),
		zap.String("name", prog.Name),
		zap.Int("lines", len(prog.Lines)))
	r.publish(rn.status.ID, EventStarted, map[string]any{"name": prog.Name, "total_lines": len(prog.Lines)})

	go r.loop(ctx, rn)
	return rn.status.ID, nil
}

func (r *Runner) loop(ctx context.Context, rn *run) {
	defer close(rn.done)
	for {
		line, ok, cause := r.next(rn)
		if !ok {
			r.finish(rn, StateCompleted)
			return
		}
		if cause != "" {
			r.park(rn, cause)
			if !r.wait(ctx, rn) {
				r.finish(rn, StateCancelled)
				return
			}
			continue
		}

		err := r.exec.ExecuteLine(ctx, line.Number, line.Code)
		if ctx.Err() != nil {
			r.finish(rn, StateCancelled)
			return
		}
		if err != nil {
			r.park(rn, err.Error())
			if !r.wait(ctx, rn) {
				r.finish(rn, StateCancelled)
				return
			}
			continue
		}
		r.advance(rn)
	}
}

// next returns the line to send, or a pause cause when a pause was
// requested in between lines.
func (r *Runner) next(rn *run) (Line, bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn.idx >= len(rn.prog.Lines) {
		return Line{}, false, ""
	}
	line := rn.prog.Lines[rn.idx]
	rn.status.CurrentLine = line.Number
	if rn.pauseReq {
		rn.pauseReq = false
		cause := rn.pauseCause
		rn.pauseCause = ""
		return line, true, cause
	}
	return line, true, ""
}

func (r *Runner) advance(rn *run) {
	r.mu.Lock()
	rn.idx++
	rn.status.Executed = rn.idx
	executed, total := rn.idx, len(rn.prog.Lines)
	id := rn.status.ID
	r.mu.Unlock()

	if executed%progressEvery == 0 && executed < total {
		r.publish(id, EventProgress, map[string]any{"executed": executed, "total_lines": total})
	}
}

func (r *Runner) park(rn *run, cause string) {
	r.mu.Lock()
	rn.status.State = StatePaused
	rn.status.PauseCause = cause
	rn.pauseReq = false
	rn.pauseCause = ""
	id, line := rn.status.ID, rn.status.CurrentLine
	r.mu.Unlock()

	r.logger.Warn("Job paused",
		zap.String("job_id", id.String()),
		zap.Int("line", line),
		zap.String("cause", cause))
	r.publish(id, EventPaused, map[string]any{"line": line, "cause": cause})
}

func (r *Runner) wait(ctx context.Context, rn *run) bool {
	select {
	case <-rn.resume:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) finish(rn *run, st State) {
	now := time.Now()
	r.mu.Lock()
	rn.status.State = st
	rn.status.FinishedAt = &now
	r.last = rn.status
	r.hasLast = true
	r.active = nil
	status := rn.status
	r.mu.Unlock()

	r.logger.Info("Job finished",
		zap.String("job_id", status.ID.String()),
		zap.String("state", string(st)),
		zap.Int("executed", status.Executed),
		zap.Duration("duration", now.Sub(status.StartedAt)))

	typ := EventCompleted
	if st == StateCancelled {
		typ = EventCancelled
	}
	r.publish(status.ID, typ, map[string]any{"executed": status.Executed, "total_lines": status.TotalLines})
}

// Pause parks the job before its next line.
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ErrNoJob
	}
	if r.active.status.State == StateRunning {
		r.active.pauseReq = true
		r.active.pauseCause = "paused by operator"
	}
	return nil
}

// Resume continues a paused job. The parked line is sent again unless
// skip is set.
func (r *Runner) Resume(skip bool) error {
	r.mu.Lock()
	rn := r.active
	if rn == nil {
		r.mu.Unlock()
		return ErrNoJob
	}
	if rn.status.State != StatePaused {
		r.mu.Unlock()
		return ErrNotPaused
	}
	line := rn.status.CurrentLine
	if skip {
		rn.idx++
		rn.status.Executed = rn.idx
	}
	rn.status.State = StateRunning
	rn.status.PauseCause = ""
	id := rn.status.ID
	r.mu.Unlock()

	rn.resume <- struct{}{}
	r.publish(id, EventResumed, map[string]any{"line": line, "skipped": skip})
	return nil
}

// Cancel stops the active job. A line in flight is abandoned.
func (r *Runner) Cancel() error {
	r.mu.Lock()
	rn := r.active
	r.mu.Unlock()
	if rn == nil {
		return ErrNoJob
	}
	rn.cancel()
	return nil
}

// Current returns the active job or, when idle, the last finished one.
func (r *Runner) Current() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return r.active.status, true
	}
	return r.last, r.hasLast
}

// Wait blocks until the active job finishes and returns its final status.
func (r *Runner) Wait(ctx context.Context) (Status, error) {
	r.mu.Lock()
	rn := r.active
	r.mu.Unlock()
	if rn != nil {
		select {
		case <-rn.done:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
	st, ok := r.Current()
	if !ok {
		return Status{}, ErrNoJob
	}
	return st, nil
}

// Close cancels the active job and waits for it to stop.
func (r *Runner) Close() {
	r.mu.Lock()
	rn := r.active
	r.mu.Unlock()
	if rn == nil {
		return
	}
	rn.cancel()
	<-rn.done
}

// PauseAt implements machine.JobHooks. A fault raised outside the line in
// flight parks the job before its next line.
func (r *Runner) PauseAt(line int, cause error) {
	r.requestPause(cause.Error())
}

// ConnectionLost implements machine.JobHooks.
func (r *Runner) ConnectionLost(err error) {
	r.requestPause("connection lost: " + err.Error())
}

func (r *Runner) requestPause(cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.status.State != StateRunning {
		return
	}
	r.active.pauseReq = true
	r.active.pauseCause = cause
}

func (r *Runner) publish(jobID uuid.UUID, typ EventType, payload map[string]any) {
	ev := Event{
		ID:        uuid.New(),
		JobID:     jobID,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	r.streamer.Broadcast(ev)
	r.hub.Publish(events.JobEvent, ev)
}
