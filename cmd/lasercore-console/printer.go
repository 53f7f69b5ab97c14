package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/KevinKickass/OpenLaserCore/internal/console"
)

type envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type printer struct {
	out        io.Writer
	severities map[console.Severity]bool
	showStatus bool

	dim     *color.Color
	colors  map[console.Severity]*color.Color
	status  *color.Color
	warning *color.Color
}

func newPrinter(out io.Writer, severities map[console.Severity]bool, showStatus bool) *printer {
	return &printer{
		out:        out,
		severities: severities,
		showStatus: showStatus,
		dim:        color.New(color.FgHiBlack),
		colors: map[console.Severity]*color.Color{
			console.SeverityError:   color.New(color.FgRed, color.Bold),
			console.SeverityWarning: color.New(color.FgYellow),
			console.SeverityInfo:    color.New(color.FgWhite),
			console.SeverityDebug:   color.New(color.FgHiBlack),
		},
		status:  color.New(color.FgCyan),
		warning: color.New(color.FgMagenta),
	}
}

func (p *printer) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.warning.Fprintf(p.out, "unreadable message: %s\n", raw)
		return
	}

	switch env.Type {
	case "console_message":
		var m console.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return
		}
		p.message(m)
	case "snapshot":
		var snap struct {
			Dialect    string `json:"dialect"`
			Connection struct {
				Phase string `json:"phase"`
			} `json:"connection"`
			Status struct {
				State           string `json:"state"`
				FirmwareVersion string `json:"firmware_version"`
			} `json:"status"`
		}
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return
		}
		p.status.Fprintf(p.out, "connected to lasercore: %s %s, machine %s %s\n",
			snap.Dialect, snap.Connection.Phase, snap.Status.State, snap.Status.FirmwareVersion)
	case "state_transition":
		if !p.showStatus {
			return
		}
		var tr struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if err := json.Unmarshal(env.Data, &tr); err != nil {
			return
		}
		p.stamp(env.Timestamp)
		p.status.Fprintf(p.out, "state %s -> %s\n", tr.From, tr.To)
	case "connection_state":
		if !p.showStatus {
			return
		}
		var cs struct {
			Phase  string `json:"phase"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(env.Data, &cs); err != nil {
			return
		}
		p.stamp(env.Timestamp)
		if cs.Reason != "" {
			p.status.Fprintf(p.out, "connection %s: %s\n", cs.Phase, cs.Reason)
		} else {
			p.status.Fprintf(p.out, "connection %s\n", cs.Phase)
		}
	case "recovery_action":
		var rec struct {
			Action  string `json:"action"`
			Kind    string `json:"kind"`
			Attempt int    `json:"attempt"`
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(env.Data, &rec); err != nil {
			return
		}
		p.stamp(env.Timestamp)
		if rec.Success {
			p.warning.Fprintf(p.out, "recovery %s #%d after %s error\n", rec.Action, rec.Attempt, rec.Kind)
		} else {
			p.warning.Fprintf(p.out, "recovery %s #%d failed: %s\n", rec.Action, rec.Attempt, rec.Error)
		}
	case "job_event":
		var ev struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		p.stamp(env.Timestamp)
		if cause, ok := ev.Payload["cause"]; ok {
			p.warning.Fprintf(p.out, "%s at line %v: %v\n", ev.Type, ev.Payload["line"], cause)
			return
		}
		p.status.Fprintf(p.out, "%s\n", ev.Type)
	case "auth_success", "auth_failed":
		p.warning.Fprintf(p.out, "%s\n", env.Type)
	}
}

func (p *printer) message(m console.Message) {
	if !m.Visible && !m.Pinned {
		return
	}
	if p.severities != nil && !p.severities[m.Severity] && !m.Pinned {
		return
	}
	p.stamp(m.Timestamp)

	prefix := "   "
	switch m.Type {
	case console.TypeCommand:
		prefix = ">> "
	case console.TypeResponse:
		prefix = "<< "
	}
	c, ok := p.colors[m.Severity]
	if !ok {
		c = p.colors[console.SeverityInfo]
	}
	c.Fprintf(p.out, "%s%s\n", prefix, m.Text)
}

func (p *printer) stamp(t time.Time) {
	if t.IsZero() {
		t = time.Now()
	}
	p.dim.Fprintf(p.out, "%s ", t.Local().Format("15:04:05.000"))
}
