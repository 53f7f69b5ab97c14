package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/KevinKickass/OpenLaserCore/internal/api/rest"
	"github.com/KevinKickass/OpenLaserCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLaserCore/internal/auth"
	"github.com/KevinKickass/OpenLaserCore/internal/config"
	"github.com/KevinKickass/OpenLaserCore/internal/console"
	"github.com/KevinKickass/OpenLaserCore/internal/interfaces"
	"github.com/KevinKickass/OpenLaserCore/internal/job"
	"github.com/KevinKickass/OpenLaserCore/internal/machine"
	"github.com/KevinKickass/OpenLaserCore/internal/monitor"
	"github.com/KevinKickass/OpenLaserCore/internal/profiles"
	"github.com/KevinKickass/OpenLaserCore/internal/protocol"
	"github.com/KevinKickass/OpenLaserCore/internal/recovery"
	"github.com/KevinKickass/OpenLaserCore/internal/storage"
	"github.com/KevinKickass/OpenLaserCore/internal/transport"
)

// ControllerService is the gRPC health service name tracking the
// controller connection.
const ControllerService = "openlasercore.Controller"

const healthInterval = time.Second

type LifecycleManager struct {
	config     *config.Config
	storage    *storage.PostgresClient
	journal    *storage.Journal
	loader     *profiles.Loader
	selection  *profiles.Selection
	controller *machine.Controller
	jobs       *job.Runner
	hub        *websocket.Hub
	auth       *auth.Service
	logger     *zap.Logger

	restServer   *rest.Server
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewLifecycleManager wires the service. opener may be nil to use the
// serial/TCP transport.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, opener transport.Opener, logger *zap.Logger) (*LifecycleManager, error) {
	loader, err := profiles.NewLoader(cfg.Profiles.SearchPaths, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile loader: %w", err)
	}
	sel, err := loader.Select(cfg.Controller)
	if err != nil {
		return nil, err
	}

	lm := &LifecycleManager{
		config:       cfg,
		loader:       loader,
		selection:    sel,
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}

	if cfg.Database.Enabled {
		db, err := storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		lm.storage = db
		lm.journal = storage.NewJournal(db, cfg.Database.JournalBuffer, logger)
		logger.Info("Journal enabled", zap.String("host", cfg.Database.Host), zap.String("database", cfg.Database.Database))
	}

	lm.auth = auth.NewService(cfg.Auth, logger)
	if lm.storage != nil {
		lm.auth.SetAuditLog(lm.storage)
	}
	lm.hub = websocket.NewHub(logger, lm.auth)

	if opener == nil {
		opener = transport.NewDefaultOpener(cfg.Controller.HandshakeTimeout)
	}
	extras := []machine.Option{machine.WithHub(lm.hub)}
	if lm.journal != nil {
		extras = append(extras, machine.WithJournal(lm.journal))
	}
	lm.controller = machine.NewController(sel.Dialect, opener, controllerOptions(cfg, sel), logger, extras...)
	lm.hub.SetStatusProvider(lm.controller)

	lm.jobs = job.NewRunner(lm.controller, lm.hub, logger)
	lm.controller.SetJobHooks(lm.jobs)

	logger.Info("Controller selected",
		zap.String("profile", sel.Profile.Name),
		zap.String("dialect", sel.Dialect.Name()),
		zap.String("port", sel.Port),
		zap.Int("baud", sel.Baud))

	return lm, nil
}

func controllerOptions(cfg *config.Config, sel *profiles.Selection) machine.Options {
	return machine.Options{
		Adapter: protocol.Config{
			HandshakeTimeout: cfg.Controller.HandshakeTimeout,
			WriteTimeout:     cfg.Controller.WriteTimeout,
		},
		Recovery: recovery.Config{
			MaxRetries:      cfg.Recovery.MaxRetries,
			RetryDelay:      cfg.Recovery.RetryDelay,
			AutoRecover:     cfg.Recovery.AutoRecover,
			ResetOnCritical: cfg.Recovery.ResetOnCritical,
		},
		Monitor: monitor.Options{
			Interval: sel.PollInterval,
			Capacity: cfg.Controller.HistorySize,
			Timeout:  cfg.Controller.PollTimeout,
		},
		Console: console.Options{
			Capacity:  cfg.Console.Capacity,
			ShowDebug: cfg.Console.ShowDebug,
		},
		TransitionDwell: cfg.Controller.TransitionDwell,
	}
}

// Start starts the entire system
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenLaserCore")

	if lm.journal != nil {
		lm.journal.Start()
	}
	go lm.hub.Run()

	if err := lm.startGRPCServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.wg.Add(1)
	go lm.watchHealth()

	if lm.config.Controller.AutoConnect {
		lm.wg.Add(1)
		go lm.autoConnect()
	}

	lm.setState(StateRunning)
	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort))

	return nil
}

func (lm *LifecycleManager) autoConnect() {
	defer lm.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*lm.config.Controller.HandshakeTimeout+time.Second)
	defer cancel()
	go func() {
		select {
		case <-lm.shutdownChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := lm.controller.Connect(ctx, lm.selection.Port, lm.selection.Baud); err != nil {
		lm.logger.Warn("Auto connect failed", zap.String("port", lm.selection.Port), zap.Error(err))
	}
}

// watchHealth mirrors the controller connection into the gRPC health
// service.
func (lm *LifecycleManager) watchHealth() {
	defer lm.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		next := healthpb.HealthCheckResponse_NOT_SERVING
		if lm.controller.IsConnected() && lm.controller.ConnectionState().IsConnected() {
			next = healthpb.HealthCheckResponse_SERVING
		}
		if next != last {
			lm.health.SetServingStatus("", next)
			lm.health.SetServingStatus(ControllerService, next)
			lm.logger.Info("Health status changed", zap.String("status", next.String()))
			last = next
		}

		select {
		case <-lm.shutdownChan:
			return
		case <-ticker.C:
		}
	}
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		close(lm.shutdownChan)
		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// 1. Job abbrechen, dann Controller: polling stoppen, Verbindung schliessen
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.jobs.Close()
		if err := lm.controller.Close(); err != nil {
			errChan <- fmt.Errorf("controller close failed: %w", err)
		}
	}()

	// 2. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 3. gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.health.Shutdown()
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		lm.wg.Wait()
		lm.hub.Stop()
		if lm.journal != nil {
			lm.journal.Stop()
		}
		if lm.storage != nil {
			lm.storage.Close()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		return fmt.Errorf("shutdown timeout exceeded")
	}

	close(errChan)
	var firstErr error
	for err := range errChan {
		lm.logger.Error("Shutdown step failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		lm.logger.Info("Graceful shutdown completed")
	}
	return firstErr
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcListener = lis

	lm.grpcServer = grpc.NewServer()
	lm.health = health.NewServer()
	lm.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	lm.health.SetServingStatus(ControllerService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.hub, lm.auth)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state change", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{
		State:     lm.State().String(),
		Profile:   lm.selection.Profile.Name,
		Dialect:   lm.controller.Dialect(),
		Port:      lm.selection.Port,
		Connected: lm.controller.IsConnected(),
		Journal:   lm.storage != nil,
		Clients:   lm.hub.GetClientCount(),
	}
}

// GRPCAddr is the address the health service listens on.
func (lm *LifecycleManager) GRPCAddr() string {
	if lm.grpcListener == nil {
		return ""
	}
	return lm.grpcListener.Addr().String()
}

func (lm *LifecycleManager) Done() <-chan struct{} { return lm.shutdownChan }

func (lm *LifecycleManager) MachineController() *machine.Controller { return lm.controller }

func (lm *LifecycleManager) Jobs() *job.Runner { return lm.jobs }

func (lm *LifecycleManager) Storage() *storage.PostgresClient { return lm.storage }

func (lm *LifecycleManager) Profiles() *profiles.Loader { return lm.loader }

func (lm *LifecycleManager) Selection() *profiles.Selection { return lm.selection }

func (lm *LifecycleManager) Config() *config.Config { return lm.config }
