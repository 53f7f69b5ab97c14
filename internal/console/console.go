// Package console keeps the operator transcript of controller traffic: a
// bounded, severity tagged feed of commands, replies and diagnostic traces.
package console

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
	"github.com/KevinKickass/OpenLaserCore/internal/ringbuf"
)

const DefaultCapacity = 5000

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityDebug   Severity = "debug"
)

// ParseSeverity accepts the lower case names and a few common aliases.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "err":
		return SeverityError, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "info":
		return SeverityInfo, nil
	case "debug":
		return SeverityDebug, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

type Type string

const (
	TypeCommand  Type = "command"
	TypeResponse Type = "response"
	TypeTrace    Type = "trace"
)

type Message struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Type      Type      `json:"type"`
	Text      string    `json:"text"`
	Origin    string    `json:"origin,omitempty"`
	Visible   bool      `json:"visible"`
	// Pinned messages pass every severity filter.
	Pinned bool `json:"pinned,omitempty"`
}

// Filter selects messages. Empty Severities means all severities.
type Filter struct {
	Severities []Severity
	// IncludeHidden also returns messages whose Visible flag is false.
	IncludeHidden bool
	// Limit keeps only the newest Limit matches when > 0.
	Limit int
}

func (f Filter) match(m Message) bool {
	if m.Pinned {
		return true
	}
	if !m.Visible && !f.IncludeHidden {
		return false
	}
	if len(f.Severities) == 0 {
		return true
	}
	for _, s := range f.Severities {
		if s == m.Severity {
			return true
		}
	}
	return false
}

type Options struct {
	Capacity int
	// ShowDebug makes debug messages visible.
	ShowDebug bool
}

// Logger records traffic of one adapter. It implements protocol.Tap.
// Recording never blocks: the ring evicts the oldest message and slow
// subscribers miss messages.
type Logger struct {
	ring      *ringbuf.Buffer[Message]
	showDebug atomic.Bool
	logger    *zap.Logger

	mu      sync.Mutex
	subs    map[int]chan Message
	nextSub int
	dropped atomic.Uint64
}

func New(opts Options, logger *zap.Logger) *Logger {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	l := &Logger{
		ring:   ringbuf.New[Message](opts.Capacity),
		logger: logger.Named("console"),
		subs:   make(map[int]chan Message),
	}
	l.showDebug.Store(opts.ShowDebug)
	return l
}

func (l *Logger) SetShowDebug(show bool) { l.showDebug.Store(show) }

// OnCommand records outbound frames except the status query.
func (l *Logger) OnCommand(f protocol.Frame, origin protocol.Origin) {
	if f.Query || strings.TrimSpace(f.Text) == "?" {
		return
	}
	l.record(SeverityInfo, TypeCommand, f.Display(), origin.String(), false)
}

// OnResponse records controller output except bare acknowledgements and
// telemetry answering the monitor.
func (l *Logger) OnResponse(resp protocol.ParsedResponse, origin protocol.Origin) {
	text := strings.TrimSpace(resp.Raw)
	switch resp.Kind {
	case protocol.ResponseOk:
		if text == "ok" || text == "" {
			return
		}
		l.record(SeverityDebug, TypeResponse, text, origin.String(), false)
	case protocol.ResponseError:
		l.record(SeverityError, TypeResponse, text, origin.String(), false)
	case protocol.ResponseAlarm:
		l.record(SeverityError, TypeResponse, text, origin.String(), true)
	case protocol.ResponseStatus:
		if origin == protocol.OriginMonitor {
			return
		}
		// Reports asked for by the operator are shown like any reply.
		l.record(SeverityInfo, TypeResponse, text, origin.String(), false)
	case protocol.ResponseUnparseable:
		if resp.Telemetry && origin == protocol.OriginMonitor {
			return
		}
		l.record(SeverityWarning, TypeResponse, text, origin.String(), false)
	case protocol.ResponseFeedback:
		l.record(feedbackSeverity(text), TypeResponse, text, origin.String(), false)
	default:
		l.record(SeverityInfo, TypeResponse, text, origin.String(), false)
	}
}

// warnMarkers flag controller feedback that asks for operator attention.
var warnMarkers = []string{
	"warning", "caution", "busy", "unlock", "reset to continue",
	"check door", "check limits", "emergency",
}

func feedbackSeverity(text string) Severity {
	lower := strings.ToLower(text)
	for _, m := range warnMarkers {
		if strings.Contains(lower, m) {
			return SeverityWarning
		}
	}
	return SeverityInfo
}

// Trace records an application notice such as a connection change or a
// recovery action.
func (l *Logger) Trace(sev Severity, text string) {
	l.record(sev, TypeTrace, text, "", false)
}

func (l *Logger) Tracef(sev Severity, format string, args ...any) {
	l.Trace(sev, fmt.Sprintf(format, args...))
}

func (l *Logger) record(sev Severity, typ Type, text, origin string, pinned bool) {
	msg := Message{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Severity:  sev,
		Type:      typ,
		Text:      text,
		Origin:    origin,
		Visible:   sev != SeverityDebug || l.showDebug.Load(),
		Pinned:    pinned,
	}
	l.ring.Push(msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- msg:
		default:
			if l.dropped.Add(1)%100 == 1 {
				l.logger.Warn("Console subscriber too slow, dropping messages",
					zap.Uint64("dropped", l.dropped.Load()))
			}
		}
	}
}

// Messages returns a copy of the matching messages, oldest first.
func (l *Logger) Messages(f Filter) []Message {
	all := l.ring.Snapshot()
	out := make([]Message, 0, len(all))
	for _, m := range all {
		if f.match(m) {
			out = append(out, m)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (l *Logger) Len() int { return l.ring.Len() }

func (l *Logger) Capacity() int { return l.ring.Cap() }

// Evicted counts messages lost to overflow.
func (l *Logger) Evicted() uint64 { return l.ring.Evicted() }

func (l *Logger) Clear() { l.ring.Clear() }

// Subscribe delivers every new message on a channel with the given buffer.
// The returned func unsubscribes and closes the channel.
func (l *Logger) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
