package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"go.uber.org/zap/zaptest"
)

func deviceCode(t *testing.T, err error) types.DeviceErrorCode {
	t.Helper()
	var devErr *types.DeviceCommError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected *types.DeviceCommError, got %v", err)
	}
	return devErr.Code
}

func TestValvesRangeAndIdle(t *testing.T) {
	ctx := context.Background()
	v := NewValves([]config.ValveSpec{{ID: "a", Outputs: 8}, {ID: "c", Outputs: 2}}, 50*time.Millisecond)

	if code := deviceCode(t, v.SetPosition(ctx, "c", 3)); code != types.DeviceOutOfRange {
		t.Errorf("code = %s", code)
	}
	if code := deviceCode(t, v.SetPosition(ctx, "z", 1)); code != types.DeviceNotFound {
		t.Errorf("code = %s", code)
	}

	if err := v.SetPosition(ctx, "a", 4); err != nil {
		t.Fatal(err)
	}
	if code := deviceCode(t, v.WaitForIdle(ctx, 5*time.Millisecond)); code != types.DeviceTimeout {
		t.Errorf("short wait code = %s", code)
	}
	if err := v.WaitForIdle(ctx, time.Second); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}
	if pos, _ := v.Position(ctx, "a"); pos != 4 {
		t.Errorf("position = %d", pos)
	}
	if ids := v.IDs(); len(ids) != 2 || ids[0] != "a" {
		t.Errorf("ids = %v", ids)
	}
}

func TestFlowReachesTargetVolume(t *testing.T) {
	ctx := context.Background()
	f := NewFlow(1, zaptest.NewLogger(t))
	defer f.Close()

	if err := f.StartPressureRegulation(ctx, 600); err != nil {
		t.Fatal(err)
	}
	// 600 µl/min = 10 µl/s
	if err := f.StartVolumeMeasurement(ctx, 0.5, 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		ok, err := f.TargetVolumeReached(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("target volume never reached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.StopPressureRegulation(ctx); err != nil {
		t.Fatal(err)
	}
	if p, _ := f.Pressure(ctx); p == 0 {
		t.Error("regulation should leave the last pressure until set to 0")
	}
}

func TestHandshakeRequiresSession(t *testing.T) {
	ctx := context.Background()
	h := NewHandshake(time.Millisecond)

	if code := deviceCode(t, h.SignalPositioned(ctx)); code != types.DeviceComm {
		t.Errorf("code = %s", code)
	}

	if err := h.StartSession(ctx, types.SessionParams{NumPlanes: 2, Lines: []string{"488 nm"}, Exposure: 0}); err != nil {
		t.Fatal(err)
	}
	if done, _ := h.AcquisitionDone(ctx); done {
		t.Error("done before the first pulse")
	}
	if err := h.SignalPositioned(ctx); err != nil {
		t.Fatal(err)
	}
	if done, _ := h.AcquisitionDone(ctx); !done {
		t.Error("zero exposure acquisition should be done right after the pulse")
	}
}

func TestCameraFrames(t *testing.T) {
	ctx := context.Background()
	c := NewCamera()

	if code := deviceCode(t, c.StartAcquisition(ctx)); code != types.DeviceComm {
		t.Errorf("code = %s", code)
	}
	if err := c.PrepareAcquisition(ctx, types.AcquisitionParams{Exposure: 0.05, NumFrames: 3}); err != nil {
		t.Fatal(err)
	}
	frames, err := c.AcquiredData(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 || frames[2].At(0, 0) != 2000 {
		t.Fatalf("frames = %d, first pixel of frame 2 = %d", len(frames), frames[2].At(0, 0))
	}
}

func TestLasersAndPiezoLimits(t *testing.T) {
	ctx := context.Background()
	l := NewLasers([]string{"488 nm"})
	if err := l.SetIntensity(ctx, "488 nm", 30); err != nil {
		t.Fatal(err)
	}
	if code := deviceCode(t, l.SetIntensity(ctx, "999 nm", 30)); code != types.DeviceNotFound {
		t.Errorf("code = %s", code)
	}
	_ = l.AllOff(ctx)
	if l.Intensity("488 nm") != 0 {
		t.Error("AllOff left line on")
	}

	p := NewPiezo([2]float64{0, 100})
	if code := deviceCode(t, p.GoToPosition(ctx, 150)); code != types.DeviceOutOfRange {
		t.Errorf("code = %s", code)
	}
}

func TestStageMoveTakesTravelTime(t *testing.T) {
	ctx := context.Background()
	s := NewStage(1) // 1 mm/s

	if idle, _ := s.Idle(ctx); !idle {
		t.Fatal("fresh stage should be idle")
	}
	if err := s.MoveXY(ctx, 50, -20); err != nil {
		t.Fatal(err)
	}
	if idle, _ := s.Idle(ctx); idle {
		t.Error("stage idle right after a 50 µm move at 1 mm/s")
	}
	time.Sleep(60 * time.Millisecond)
	if idle, _ := s.Idle(ctx); !idle {
		t.Error("stage still moving after travel time")
	}
	if x, y := s.Position(); x != 50 || y != -20 {
		t.Errorf("position = %v,%v", x, y)
	}
}

func TestAutofocusSearch(t *testing.T) {
	ctx := context.Background()
	a := NewAutofocus(20 * time.Millisecond)

	if _, err := a.Positioned(ctx); deviceCode(t, err) != types.DeviceComm {
		t.Error("expected comm error without a search")
	}
	if err := a.SearchFocus(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := a.Positioned(ctx); ok {
		t.Error("focus found before search time")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := a.Positioned(ctx); !ok {
		t.Error("focus not found after search time")
	}
}
