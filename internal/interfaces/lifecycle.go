package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenLaserCore/internal/config"
	"github.com/KevinKickass/OpenLaserCore/internal/job"
	"github.com/KevinKickass/OpenLaserCore/internal/machine"
	"github.com/KevinKickass/OpenLaserCore/internal/profiles"
	"github.com/KevinKickass/OpenLaserCore/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State     string `json:"state"`
	Profile   string `json:"profile"`
	Dialect   string `json:"dialect"`
	Port      string `json:"port,omitempty"`
	Connected bool   `json:"connected"`
	Journal   bool   `json:"journal"`
	Clients   int    `json:"ws_clients"`
}

type LifecycleManager interface {
	Config() *config.Config
	// Storage is nil when the journal is disabled.
	Storage() *storage.PostgresClient
	Profiles() *profiles.Loader
	Selection() *profiles.Selection
	MachineController() *machine.Controller
	Jobs() *job.Runner
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
