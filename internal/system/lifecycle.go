// Package system wires configuration, devices, storage, the task engine and the
// API servers together and owns their start and shutdown order.
package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/KevinKickass/OpenScopeCore/internal/api/rest"
	"github.com/KevinKickass/OpenScopeCore/internal/api/websocket"
	"github.com/KevinKickass/OpenScopeCore/internal/auth"
	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/devices"
	"github.com/KevinKickass/OpenScopeCore/internal/devices/sim"
	"github.com/KevinKickass/OpenScopeCore/internal/interfaces"
	"github.com/KevinKickass/OpenScopeCore/internal/machine"
	"github.com/KevinKickass/OpenScopeCore/internal/modbus"
	"github.com/KevinKickass/OpenScopeCore/internal/storage"
	"github.com/KevinKickass/OpenScopeCore/internal/task/engine"
	"github.com/KevinKickass/OpenScopeCore/internal/task/streaming"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Phase is where the service stands between start and shutdown.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseServing  Phase = "serving"
	// a run may still be cleaning up the hardware
	PhaseDraining Phase = "draining"
	PhaseClosing  Phase = "closing"
	PhaseStopped  Phase = "stopped"
	PhaseFailed   Phase = "failed"
)

var phaseSuccessors = map[Phase][]Phase{
	PhaseStarting: {PhaseServing, PhaseDraining, PhaseFailed},
	PhaseServing:  {PhaseDraining},
	PhaseDraining: {PhaseClosing},
	PhaseClosing:  {PhaseStopped},
	PhaseFailed:   {PhaseDraining},
}

// checkPhase reports whether the service may move from one phase to the next.
// Shutdown is always reachable; nothing leaves stopped.
func checkPhase(from, to Phase) error {
	for _, next := range phaseSuccessors[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("service cannot go from %s to %s", from, to)
}

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	db       *storage.PostgresClient // nil without database
	recorder storage.Recorder

	deviceManager     *devices.Manager
	eventStreamer     *streaming.EventStreamer
	runEventService   *streaming.RunEventService
	engine            *engine.Engine
	machineController *machine.Controller
	authService       *auth.AuthService
	wsHub             *websocket.Hub

	restServer *rest.Server
	grpcServer *grpc.Server
	hubCancel  context.CancelFunc

	phaseMu sync.RWMutex
	phase   Phase

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager builds the complete system. Nothing listens on a port before Start.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		phase:        PhaseStarting,
		shutdownChan: make(chan struct{}),
	}

	if err := lm.initStorage(ctx); err != nil {
		return nil, err
	}

	lm.authService = auth.NewAuthService(cfg.Auth, logger.Named("auth"))
	lm.wsHub = websocket.NewHub(logger.Named("ws"), lm.authService)

	set, err := lm.buildDeviceSet(ctx)
	if err != nil {
		lm.closeStorage()
		return nil, err
	}
	set.Notifier = lm.wsHub
	lm.deviceManager = devices.NewManager(set, logger.Named("devices"),
		devices.WithManualPressureLimit(cfg.Devices.ManualPressureMax))

	lm.eventStreamer = streaming.NewEventStreamer()
	lm.runEventService = streaming.NewRunEventService(lm.eventStreamer, lm.recorder)
	lm.engine = engine.NewEngine(lm.deviceManager, lm.recorder, lm.eventStreamer,
		engine.SettingsFromConfig(cfg), logger.Named("engine"))

	lm.machineController = machine.NewController(logger.Named("machine"), lm.engine, lm.wsHub)
	lm.wsHub.SetStatusProvider(lm.machineController)

	return lm, nil
}

func (lm *LifecycleManager) initStorage(ctx context.Context) error {
	if !lm.config.Database.Enabled {
		lm.logger.Info("Database disabled, run history is kept in memory")
		lm.recorder = storage.NewMemoryStore()
		return nil
	}

	// PostgreSQL verbinden
	db, err := storage.NewPostgresClient(ctx, lm.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	lm.logger.Info("Database connected successfully",
		zap.String("host", lm.config.Database.Host),
		zap.String("database", lm.config.Database.Database))
	lm.db = db
	lm.recorder = db
	return nil
}

// buildDeviceSet starts from the simulated set and swaps in real drivers where configured.
func (lm *LifecycleManager) buildDeviceSet(ctx context.Context) (devices.Set, error) {
	cfg := lm.config
	if cfg.Devices.Backend != "" && cfg.Devices.Backend != "sim" {
		return devices.Set{}, fmt.Errorf("unsupported device backend %q", cfg.Devices.Backend)
	}
	set := sim.NewSet(cfg, lm.logger.Named("sim"))

	switch cfg.Devices.Handshake {
	case "", "sim":
	case "modbus":
		hs := modbus.NewHandshake(cfg.Devices.Modbus, cfg.Imaging.PulseWidth, lm.logger.Named("handshake"))
		if err := hs.Connect(ctx); err != nil {
			return devices.Set{}, fmt.Errorf("failed to connect handshake coupler: %w", err)
		}
		set.Handshake = hs
		lm.logger.Info("Camera handshake over Modbus TCP", zap.String("address", cfg.Devices.Modbus.Address))
	default:
		return devices.Set{}, fmt.Errorf("unsupported handshake %q", cfg.Devices.Handshake)
	}

	return set, nil
}

// Start starts the live hub and the API servers
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenScopeCore")

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	go lm.wsHub.Run(hubCtx)

	if err := lm.startGRPCServer(); err != nil {
		lm.setPhase(PhaseFailed)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setPhase(PhaseFailed)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.setPhase(PhaseServing)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("persistent_history", lm.db != nil))

	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	streaming.RegisterRunEventsServer(lm.grpcServer, lm.runEventService)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", streaming.RunEventsServiceDesc.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// Shutdown stops an active run (including its cleanup) before the servers and devices go down
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setPhase(PhaseDraining)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setPhase(PhaseStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// 1. Active run: stop at once and wait for cleanup, hardware must end in safe defaults
	if err := lm.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown failed: %w", err))
	}
	lm.setPhase(PhaseClosing)

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 2. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lm.restServer.Shutdown(ctx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 3. gRPC Server graceful stop; open Watch streams end with their runs
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stopped := make(chan struct{})
			go func() {
				lm.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				lm.grpcServer.Stop()
			}
		}()
	}

	wg.Wait()
	close(errChan)
	for err := range errChan {
		errs = append(errs, err)
	}

	if lm.hubCancel != nil {
		lm.hubCancel()
		select {
		case <-lm.wsHub.Done():
		case <-ctx.Done():
		}
	}

	// 4. Devices (sampler goroutines, coupler connection)
	if err := lm.deviceManager.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("device shutdown failed: %w", err))
	}

	lm.closeStorage()

	if err := errors.Join(errs...); err != nil {
		lm.logger.Warn("Shutdown finished with errors", zap.Error(err))
		return err
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) closeStorage() {
	if lm.db != nil {
		lm.db.Close()
	}
}

func (lm *LifecycleManager) setPhase(next Phase) {
	lm.phaseMu.Lock()
	defer lm.phaseMu.Unlock()
	if err := checkPhase(lm.phase, next); err != nil {
		lm.logger.Warn("Unexpected service phase", zap.Error(err))
	}
	lm.logger.Debug("Service phase", zap.String("from", string(lm.phase)), zap.String("to", string(next)))
	lm.phase = next
}

func (lm *LifecycleManager) Phase() Phase {
	lm.phaseMu.RLock()
	defer lm.phaseMu.RUnlock()
	return lm.phase
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	machineStatus := lm.machineController.GetStatus()
	devs := lm.deviceManager.Describe()

	status := interfaces.SystemStatus{
		State:        string(lm.Phase()),
		MachineState: string(machineStatus.State),
		DeviceCount:  len(devs.Devices),
		LeasedBy:     devs.LeasedBy,
		Persistent:   lm.db != nil,
	}
	if machineStatus.Task.State.Active() {
		status.ActiveRun = machineStatus.Task.RunID.String()
	}
	return status
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Recorder() storage.Recorder {
	return lm.recorder
}

func (lm *LifecycleManager) DeviceManager() *devices.Manager {
	return lm.deviceManager
}

func (lm *LifecycleManager) MachineController() *machine.Controller {
	return lm.machineController
}

func (lm *LifecycleManager) Engine() *engine.Engine {
	return lm.engine
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)
