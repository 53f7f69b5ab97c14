// Package profiles describes controller hardware: which dialect a machine
// speaks, how it is connected and the limits the API enforces for manual
// motion. Profiles are JSON or YAML files validated against an embedded
// schema; a profile may extend another one.
package profiles

import (
	"math"
	"time"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
)

type Profile struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Extends     string     `json:"extends,omitempty"`
	Dialect     string     `json:"dialect,omitempty"`
	Connection  Connection `json:"connection"`
	Workspace   Workspace  `json:"workspace"`
	Laser       Laser      `json:"laser"`
	Polling     Polling    `json:"polling"`
}

type Connection struct {
	Port string `json:"port,omitempty"`
	Baud int    `json:"baud,omitempty"`
}

// Workspace is the travel per axis in mm. Zero means unknown.
type Workspace struct {
	X       float64 `json:"x,omitempty"`
	Y       float64 `json:"y,omitempty"`
	Z       float64 `json:"z,omitempty"`
	MaxFeed float64 `json:"max_feed,omitempty"`
}

type Laser struct {
	// MaxPower is the S value for full power.
	MaxPower float64 `json:"max_power,omitempty"`
	Kind     string  `json:"kind,omitempty"`
}

type Polling struct {
	IntervalMS int `json:"interval_ms,omitempty"`
}

func (p *Profile) PollInterval() time.Duration {
	return time.Duration(p.Polling.IntervalMS) * time.Millisecond
}

func (w Workspace) travel(axis protocol.Axis) float64 {
	switch axis {
	case protocol.AxisX:
		return w.X
	case protocol.AxisY:
		return w.Y
	case protocol.AxisZ:
		return w.Z
	}
	return 0
}

// CheckJog rejects jogs longer than the axis travel or faster than the
// machine's max feed. Unknown limits are not enforced.
func (p *Profile) CheckJog(axis protocol.Axis, distance, feed float64) error {
	if t := p.Workspace.travel(axis); t > 0 && math.Abs(distance) > t {
		return faults.InvalidParameter("jog of %.3f mm exceeds %s travel of %.0f mm", distance, axis, t)
	}
	if max := p.Workspace.MaxFeed; max > 0 && feed > max {
		return faults.InvalidParameter("jog feed %.0f exceeds max feed %.0f", feed, max)
	}
	return nil
}

// overlay returns base with every field set in p applied on top.
func (p *Profile) overlay(base *Profile) *Profile {
	out := *base
	out.Name = p.Name
	out.Extends = p.Extends
	if p.Description != "" {
		out.Description = p.Description
	}
	if p.Dialect != "" {
		out.Dialect = p.Dialect
	}
	if p.Connection.Port != "" {
		out.Connection.Port = p.Connection.Port
	}
	if p.Connection.Baud != 0 {
		out.Connection.Baud = p.Connection.Baud
	}
	if p.Workspace.X != 0 {
		out.Workspace.X = p.Workspace.X
	}
	if p.Workspace.Y != 0 {
		out.Workspace.Y = p.Workspace.Y
	}
	if p.Workspace.Z != 0 {
		out.Workspace.Z = p.Workspace.Z
	}
	if p.Workspace.MaxFeed != 0 {
		out.Workspace.MaxFeed = p.Workspace.MaxFeed
	}
	if p.Laser.MaxPower != 0 {
		out.Laser.MaxPower = p.Laser.MaxPower
	}
	if p.Laser.Kind != "" {
		out.Laser.Kind = p.Laser.Kind
	}
	if p.Polling.IntervalMS != 0 {
		out.Polling.IntervalMS = p.Polling.IntervalMS
	}
	return &out
}
