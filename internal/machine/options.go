package machine

import (
	"github.com/KevinKickass/OpenLaserCore/internal/console"
	"github.com/KevinKickass/OpenLaserCore/internal/events"
	"github.com/KevinKickass/OpenLaserCore/internal/monitor"
	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
	"github.com/KevinKickass/OpenLaserCore/internal/recovery"
)

// JobHooks is implemented by the job manager. The controller never resumes
// a job itself; the job manager resumes by calling ExecuteLine with the
// line it chooses.
type JobHooks interface {
	// PauseAt is called when a line could not be completed: a critical
	// fault, a surfaced error or an exhausted recovery.
	PauseAt(line int, cause error)
	// ConnectionLost is called when the operator disconnects.
	ConnectionLost(err error)
}

type noopHooks struct{}

func (noopHooks) PauseAt(int, error)   {}
func (noopHooks) ConnectionLost(error) {}

// Journal persists console messages and recovery actions. Implementations
// must not block.
type Journal interface {
	RecordMessage(m console.Message)
	RecordAction(rec recovery.ActionRecord)
}

// Options configures a Controller. Start from DefaultOptions: a zero
// Recovery disables automatic recovery and is kept as given.
type Options struct {
	Adapter  protocol.Config
	Recovery recovery.Config
	Monitor  monitor.Options
	Console  console.Options
	// TransitionDwell is the minimum number of samples a non-alarm state
	// must hold before analytics reports the change.
	TransitionDwell int
	// MoveEpsilon in millimetres per sample.
	MoveEpsilon float64
}

func DefaultOptions() Options {
	return Options{
		Adapter:         protocol.DefaultConfig(),
		Recovery:        recovery.DefaultConfig(),
		TransitionDwell: 2,
		MoveEpsilon:     0.01,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Adapter == (protocol.Config{}) {
		o.Adapter = d.Adapter
	}
	if o.TransitionDwell <= 0 {
		o.TransitionDwell = d.TransitionDwell
	}
	if o.MoveEpsilon <= 0 {
		o.MoveEpsilon = d.MoveEpsilon
	}
	return o
}

type Option func(*Controller)

// WithHub publishes live events to hub, usually the websocket hub.
func WithHub(hub events.Publisher) Option {
	return func(c *Controller) {
		if hub != nil {
			c.hub = hub
		}
	}
}

func WithJournal(j Journal) Option {
	return func(c *Controller) { c.journal = j }
}

func WithJobHooks(h JobHooks) Option {
	return func(c *Controller) {
		if h != nil {
			c.hooks = h
		}
	}
}
