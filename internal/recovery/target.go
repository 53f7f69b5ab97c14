package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

// recheckTimeout bounds the status poll that confirms a reported
// transport failure.
const recheckTimeout = 2 * time.Second

// AdapterTarget drives a protocol adapter. Reconnect reopens the endpoint
// of the last successful Connect.
type AdapterTarget struct {
	adapter *protocol.Adapter

	mu   sync.Mutex
	port string
	baud int
}

func NewAdapterTarget(adapter *protocol.Adapter) *AdapterTarget {
	return &AdapterTarget{adapter: adapter}
}

// SetEndpoint records the port used by Reconnect.
func (t *AdapterTarget) SetEndpoint(port string, baud int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.port, t.baud = port, baud
}

func (t *AdapterTarget) Endpoint() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port, t.baud
}

func (t *AdapterTarget) Execute(ctx context.Context, origin protocol.Origin, gcode string) (protocol.ParsedResponse, error) {
	return t.adapter.Execute(ctx, origin, gcode)
}

func (t *AdapterTarget) Reconnect(ctx context.Context) error {
	port, baud := t.Endpoint()
	t.adapter.Disconnect()
	return t.adapter.Connect(ctx, port, baud)
}

func (t *AdapterTarget) SoftReset(ctx context.Context) error {
	return t.adapter.SoftReset(ctx)
}

func (t *AdapterTarget) PollStatus(ctx context.Context) (status.MachineStatus, error) {
	return t.adapter.PollStatus(ctx)
}

// StillFailing confirms a reported failure against the live adapter. A
// transport failure stands when the link is gone or a fresh poll also
// goes unanswered; a critical one while the alarm is still latched.
func (t *AdapterTarget) StillFailing(ctx context.Context, cause error) bool {
	switch faults.KindOf(cause) {
	case faults.KindTransport:
		if !t.adapter.State().IsConnected() || !t.adapter.Alive() {
			return true
		}
		pctx, cancel := context.WithTimeout(ctx, recheckTimeout)
		defer cancel()
		_, err := t.adapter.PollStatus(pctx)
		return err != nil && !errors.Is(err, faults.ErrStatusDeferred)
	case faults.KindCritical:
		return t.adapter.InAlarm()
	default:
		return true
	}
}
