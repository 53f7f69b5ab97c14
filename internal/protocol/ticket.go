package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
)

// Origin tells who issued a command. Responses inherit the origin of the
// command they acknowledge.
type Origin int

const (
	// OriginDevice marks unsolicited controller output.
	OriginDevice Origin = iota
	OriginUser
	OriginMonitor
	OriginRecovery
	OriginHandshake
)

func (o Origin) String() string {
	switch o {
	case OriginUser:
		return "user"
	case OriginMonitor:
		return "monitor"
	case OriginRecovery:
		return "recovery"
	case OriginHandshake:
		return "handshake"
	default:
		return "device"
	}
}

// Ticket tracks one acknowledged line until the controller answers it.
// Acknowledgements are matched to tickets in send order.
type Ticket struct {
	line   string
	origin Origin
	queued time.Time

	once sync.Once
	done chan struct{}
	resp ParsedResponse
	err  error

	// An error reply held until the trailing "ok" arrives.
	deferred     error
	deferredResp ParsedResponse

	// Set on abandoned handshake tickets. Until then the ticket keeps its
	// queue slot so a late acknowledgement is consumed here.
	orphanUntil time.Time
}

func newTicket(line string, origin Origin) *Ticket {
	return &Ticket{line: line, origin: origin, queued: time.Now(), done: make(chan struct{})}
}

func (t *Ticket) Line() string { return t.line }

func (t *Ticket) Origin() Origin { return t.origin }

// Done is closed once the ticket is resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the controller answers or ctx ends. A rejected command
// yields a Command or Critical fault.
func (t *Ticket) Wait(ctx context.Context) (ParsedResponse, error) {
	select {
	case <-t.done:
		return t.resp, t.err
	case <-ctx.Done():
		return ParsedResponse{}, &faults.Error{
			Kind: faults.KindTransport,
			Msg:  "no acknowledgement",
			Line: t.line,
			Err:  ctx.Err(),
		}
	}
}

// Result returns the outcome of a resolved ticket.
func (t *Ticket) Result() (ParsedResponse, error) {
	select {
	case <-t.done:
		return t.resp, t.err
	default:
		return ParsedResponse{}, nil
	}
}

func (t *Ticket) resolved() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// expired reports an orphan whose acknowledgement is no longer expected.
func (t *Ticket) expired(now time.Time) bool {
	return !t.orphanUntil.IsZero() && now.After(t.orphanUntil)
}

func (t *Ticket) complete(resp ParsedResponse, err error) {
	t.once.Do(func() {
		t.resp = resp
		t.err = err
		close(t.done)
	})
}

// waitAll waits for every ticket and returns the first failure.
func waitAll(ctx context.Context, tickets []*Ticket) error {
	var first error
	for _, t := range tickets {
		if _, err := t.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
