// Package protocoltest provides an in-memory motion controller that speaks
// the supported dialects over net.Pipe.
package protocoltest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
	"github.com/KevinKickass/OpenLaserCore/internal/transport"
)

// Controller simulates one device. Each Open through Opener starts a fresh
// session; unscripted lines are acknowledged with "ok".
type Controller struct {
	dialect string

	mu       sync.Mutex
	status   status.MachineStatus
	scripts  map[string][][]string
	delays   map[string][]time.Duration
	received []string
	realtime []byte
	conn     net.Conn
	out      *lineWriter
	opens    int
	silent   bool
	failOpen error
	noGreet  bool
}

func New(dialect string) *Controller {
	return &Controller{
		dialect: dialect,
		status: status.MachineStatus{
			State:    status.StateIdle,
			WorkPos:  status.Some(status.Position{}),
			FeedRate: status.Some(0.0),
		},
		scripts: make(map[string][][]string),
		delays:  make(map[string][]time.Duration),
	}
}

// Opener returns a transport opener connected to this controller.
func (c *Controller) Opener() transport.Opener {
	return transport.OpenerFunc(func(ctx context.Context, port string, baud int) (io.ReadWriteCloser, error) {
		c.mu.Lock()
		if c.failOpen != nil {
			err := c.failOpen
			c.mu.Unlock()
			return nil, err
		}
		client, device := net.Pipe()
		c.conn = device
		out := &lineWriter{conn: device}
		c.out = out
		c.opens++
		greet := !c.noGreet
		c.mu.Unlock()

		go c.serve(device, out, greet)
		return client, nil
	})
}

// FailOpen makes subsequent opens fail with err; nil restores them.
func (c *Controller) FailOpen(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failOpen = err
}

// SkipGreeting suppresses the banner printed when a session starts.
func (c *Controller) SkipGreeting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noGreet = true
}

// Script queues a one-shot reply for the next occurrence of command.
// Replies replace the default acknowledgement.
func (c *Controller) Script(command string, replies ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[command] = append(c.scripts[command], replies)
}

// Delay holds the reply to the next occurrence of command for d. Lines
// received meanwhile queue behind it, as in a planner busy homing;
// realtime bytes are still answered at once.
func (c *Controller) Delay(command string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays[command] = append(c.delays[command], d)
}

func (c *Controller) SetStatus(st status.MachineStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = st
}

func (c *Controller) SetState(s status.MachineState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = s
}

// SetSilent stops the controller answering status queries.
func (c *Controller) SetSilent(silent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silent = silent
}

// Received returns the lines received so far, realtime bytes excluded.
func (c *Controller) Received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...)
}

// Realtime returns the realtime bytes received so far, status queries
// excluded.
func (c *Controller) Realtime() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.realtime...)
}

func (c *Controller) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Push writes an unsolicited line.
func (c *Controller) Push(line string) error {
	c.mu.Lock()
	conn, out := c.conn, c.out
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no session")
	}
	return out.writeLine(line)
}

// Drop closes the session from the device side.
func (c *Controller) Drop() {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.out = nil, nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// serve reads the session byte by byte. Realtime bytes are answered from
// the reader; lines go through a queue worked off in order.
func (c *Controller) serve(conn net.Conn, w *lineWriter, greet bool) {
	defer conn.Close()

	if greet {
		w.write(c.greeting()...)
	}

	lines := make(chan string, 256)
	closed := make(chan struct{})
	defer close(closed)
	defer close(lines)
	go c.work(w, lines, closed)

	r := bufio.NewReader(conn)
	var line strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		if c.isRealtime(b) {
			w.write(c.onRealtime(b)...)
			continue
		}
		if b == '\n' {
			cmd := strings.TrimSpace(line.String())
			line.Reset()
			if cmd != "" {
				lines <- cmd
			}
			continue
		}
		line.WriteByte(b)
	}
}

func (c *Controller) work(w *lineWriter, lines <-chan string, closed <-chan struct{}) {
	for cmd := range lines {
		if d := c.takeDelay(cmd); d > 0 {
			select {
			case <-time.After(d):
			case <-closed:
				return
			}
		}
		w.write(c.onLine(cmd)...)
	}
}

func (c *Controller) takeDelay(cmd string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := c.delays[cmd]
	if len(queued) == 0 {
		return 0
	}
	c.delays[cmd] = queued[1:]
	return queued[0]
}

// lineWriter keeps replies from the reader, the line worker and Push from
// interleaving.
type lineWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *lineWriter) write(lines ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, l := range lines {
		if _, err := io.WriteString(w.conn, l+"\r\n"); err != nil {
			return
		}
	}
}

func (w *lineWriter) writeLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.conn, line+"\r\n")
	return err
}

func (c *Controller) isRealtime(b byte) bool {
	if c.dialect == "marlin" {
		return false
	}
	return b == '?' || b == 0x18 || (b >= 0x80 && b <= 0xA4)
}

func (c *Controller) onRealtime(b byte) []string {
	switch b {
	case '?':
		c.mu.Lock()
		silent := c.silent
		st := c.status
		c.mu.Unlock()
		if silent {
			return nil
		}
		return []string{c.report(st)}
	case 0x18:
		c.mu.Lock()
		c.realtime = append(c.realtime, b)
		c.mu.Unlock()
		return c.greeting()
	default:
		c.mu.Lock()
		c.realtime = append(c.realtime, b)
		c.mu.Unlock()
		return nil
	}
}

func (c *Controller) onLine(cmd string) []string {
	c.mu.Lock()
	c.received = append(c.received, cmd)
	if queued := c.scripts[cmd]; len(queued) > 0 {
		c.scripts[cmd] = queued[1:]
		c.mu.Unlock()
		return queued[0]
	}
	st := c.status
	c.mu.Unlock()

	switch {
	case cmd == "$I":
		if c.dialect == "grbl-legacy" {
			return []string{"[0.9j.20160726:]", "ok"}
		}
		if c.dialect == "fluidnc" {
			return []string{"[VER:3.7 FluidNC v3.7.8:]", "[OLED:Ok]", "ok"}
		}
		return []string{"[VER:1.1h.20190825:]", "[OPT:V,15,128]", "ok"}
	case cmd == "M115":
		return []string{"FIRMWARE_NAME:Marlin 2.1.2.1 (Sep 10 2023) SOURCE_CODE_URL:github.com/MarlinFirmware/Marlin PROTOCOL_VERSION:1.0", "Cap:EEPROM:1", "ok"}
	case cmd == "version":
		return []string{"Build version: edge-3332442, Build date: Nov 10 2020 12:00:00, MCU: LPC1769, System Clock: 100MHz", "ok"}
	case cmd == "M114":
		c.mu.Lock()
		silent := c.silent
		c.mu.Unlock()
		if silent {
			return []string{"ok"}
		}
		return []string{c.report(st), "ok"}
	case cmd == "$X", cmd == "M999":
		c.SetState(status.StateIdle)
		return []string{"ok"}
	}
	return []string{"ok"}
}

func (c *Controller) greeting() []string {
	switch c.dialect {
	case "grbl-legacy":
		return []string{"", "Grbl 0.9j ['$' for help]"}
	case "fluidnc":
		return []string{"", "Grbl 3.7 [FluidNC v3.7.8 (wifi) '$' for help]"}
	case "smoothie":
		// Smoothie prints nothing over USB until asked.
		return nil
	case "marlin":
		return []string{"start", "echo:Marlin 2.1.2.1"}
	default:
		return []string{"", "Grbl 1.1h ['$' for help]"}
	}
}

// report renders st the way the dialect's firmware would.
func (c *Controller) report(st status.MachineStatus) string {
	pos := func(p status.Position) string { return fmt.Sprintf("%.3f,%.3f,%.3f", p.X, p.Y, p.Z) }
	switch c.dialect {
	case "grbl-legacy":
		s := fmt.Sprintf("<%s,MPos:%s", st.State, pos(st.MachinePos))
		if wp, ok := st.WorkPos.Get(); ok {
			s += ",WPos:" + pos(wp)
		}
		return s + ">"
	case "smoothie":
		s := fmt.Sprintf("<%s|MPos:%s", st.State, pos(st.MachinePos))
		if wp, ok := st.WorkPos.Get(); ok {
			s += "|WPos:" + pos(wp)
		}
		if f, ok := st.FeedRate.Get(); ok {
			s += fmt.Sprintf("|F:%.1f,100.0", f)
		}
		return s + ">"
	case "marlin":
		p := st.MachinePos
		return fmt.Sprintf("X:%.2f Y:%.2f Z:%.2f E:0.00 Count X:0 Y:0 Z:0", p.X, p.Y, p.Z)
	default:
		return protocol.FormatStatusReport(st)
	}
}
