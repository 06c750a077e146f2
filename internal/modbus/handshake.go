package modbus

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"go.uber.org/zap"
)

// Handshake drives the camera/FPGA digital lines through holding registers of a
// Modbus TCP I/O coupler:
//
//	session register:    number of planes while a session is open, 0 otherwise
//	positioned register: pulsed 1 -> 0 when the piezo has settled
//	acquired register:   set to 1 by the FPGA when all lines of a plane are exposed
type Handshake struct {
	client     *Client
	unitID     uint8
	session    uint16
	positioned uint16
	acquired   uint16
	pulseWidth time.Duration
	address    string

	mu     sync.Mutex
	active bool
	logger *zap.Logger
}

func NewHandshake(cfg config.ModbusConfig, pulseWidth time.Duration, logger *zap.Logger) *Handshake {
	return &Handshake{
		client:     NewClient(cfg.Address, cfg.Timeout),
		unitID:     cfg.UnitID,
		session:    cfg.SessionRegister,
		positioned: cfg.PositionedRegister,
		acquired:   cfg.AcquiredRegister,
		pulseWidth: pulseWidth,
		address:    cfg.Address,
		logger:     logger,
	}
}

// Connect opens the coupler connection eagerly so a wrong address fails at startup.
func (h *Handshake) Connect(ctx context.Context) error {
	if err := h.client.Connect(ctx); err != nil {
		return h.wrap("connect", err)
	}
	h.logger.Info("Handshake coupler connected", zap.String("address", h.address))
	return nil
}

func (h *Handshake) Close() error {
	return h.client.Close()
}

func (h *Handshake) StartSession(ctx context.Context, params types.SessionParams) error {
	if params.NumPlanes <= 0 || params.NumPlanes > 0xFFFF {
		return types.NewDeviceError("fpga", "start_session", types.DeviceOutOfRange, "planes %d", params.NumPlanes)
	}

	// altes Ready-Flag löschen
	if err := h.client.WriteSingleRegister(ctx, h.unitID, h.acquired, 0); err != nil {
		return h.wrap("start_session", err)
	}
	if err := h.client.WriteSingleRegister(ctx, h.unitID, h.session, uint16(params.NumPlanes)); err != nil {
		return h.wrap("start_session", err)
	}

	h.mu.Lock()
	h.active = true
	h.mu.Unlock()

	h.logger.Info("FPGA session started",
		zap.Int("planes", params.NumPlanes),
		zap.Strings("lines", params.Lines))
	return nil
}

func (h *Handshake) EndSession(ctx context.Context) error {
	h.mu.Lock()
	h.active = false
	h.mu.Unlock()

	if err := h.client.WriteSingleRegister(ctx, h.unitID, h.session, 0); err != nil {
		return h.wrap("end_session", err)
	}
	return nil
}

// SignalPositioned raises the positioned line for pulseWidth. The line is lowered even
// when ctx is cancelled during the pulse.
func (h *Handshake) SignalPositioned(ctx context.Context) error {
	if err := h.client.WriteSingleRegister(ctx, h.unitID, h.positioned, 1); err != nil {
		return h.wrap("signal_positioned", err)
	}

	timer := time.NewTimer(h.pulseWidth)
	defer timer.Stop()
	var waitErr error
	select {
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-timer.C:
	}

	lowerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := h.client.WriteSingleRegister(lowerCtx, h.unitID, h.positioned, 0); err != nil {
		return h.wrap("signal_positioned", err)
	}
	return waitErr
}

// AcquisitionDone reads the ready flag and clears it once seen, so each plane waits for
// its own acquisition.
func (h *Handshake) AcquisitionDone(ctx context.Context) (bool, error) {
	values, err := h.client.ReadHoldingRegisters(ctx, h.unitID, h.acquired, 1)
	if err != nil {
		return false, h.wrap("acquisition_done", err)
	}
	if values[0] == 0 {
		return false, nil
	}
	if err := h.client.WriteSingleRegister(ctx, h.unitID, h.acquired, 0); err != nil {
		return true, h.wrap("acquisition_done", err)
	}
	return true, nil
}

func (h *Handshake) Describe() (string, map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	registers := map[string]uint16{
		"session":    h.session,
		"positioned": h.positioned,
		"acquired":   h.acquired,
	}
	return "modbus.handshake", map[string]any{
		"address":   h.address,
		"unit_id":   h.unitID,
		"session":   h.active,
		"registers": registers,
	}
}

func (h *Handshake) wrap(op string, err error) error {
	code := types.DeviceComm
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		code = types.DeviceTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		code = types.DeviceTimeout
	}
	return &types.DeviceCommError{Device: "fpga@" + h.address, Op: op, Code: code, Err: err}
}
