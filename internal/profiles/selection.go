package profiles

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/config"
	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
)

// Selection is the resolved machine: profile plus the values from the
// controller configuration that override it.
type Selection struct {
	Profile      *Profile
	Dialect      protocol.Dialect
	Port         string
	Baud         int
	PollInterval time.Duration
}

// Select picks the controller for a configuration. Without a profile name
// the builtin profile of the configured dialect is used.
func (l *Loader) Select(cfg config.ControllerConfig) (*Selection, error) {
	name := cfg.Profile
	if name == "" {
		d, err := protocol.Lookup(cfg.Dialect)
		if err != nil {
			return nil, err
		}
		name = d.Name()
	}

	profile, err := l.Load(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", name, err)
	}

	dialectName := profile.Dialect
	if cfg.Profile != "" && cfg.Dialect != "" && cfg.Dialect != profile.Dialect {
		l.logger.Warn("Dialect overrides profile",
			zap.String("profile", profile.Name),
			zap.String("profile_dialect", profile.Dialect),
			zap.String("dialect", cfg.Dialect))
		dialectName = cfg.Dialect
	}
	dialect, err := protocol.Lookup(dialectName)
	if err != nil {
		return nil, err
	}

	sel := &Selection{
		Profile:      profile,
		Dialect:      dialect,
		Port:         profile.Connection.Port,
		Baud:         profile.Connection.Baud,
		PollInterval: profile.PollInterval(),
	}
	if cfg.Port != "" {
		sel.Port = cfg.Port
	}
	if cfg.Baud != 0 {
		sel.Baud = cfg.Baud
	}
	if sel.Baud == 0 {
		sel.Baud = dialect.DefaultBaud()
	}
	if sel.PollInterval == 0 {
		sel.PollInterval = cfg.PollInterval
	}
	return sel, nil
}
