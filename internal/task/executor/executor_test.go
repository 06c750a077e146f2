package executor

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/devices/devicestest"
	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"go.uber.org/zap/zaptest"
)

func testSettings() Settings {
	return Settings{
		PollInterval:        2 * time.Second,
		SamplingInterval:    time.Second,
		DrainInterval:       2 * time.Second,
		InjectionTimeout:    30 * time.Minute,
		ValveIdleTimeout:    30 * time.Second,
		FilterTimeout:       5 * time.Second,
		PiezoSettle:         30 * time.Millisecond,
		HandshakePoll:       time.Millisecond,
		HandshakeTimeout:    5 * time.Second,
		StagePoll:           100 * time.Millisecond,
		StageTimeout:        30 * time.Second,
		FocusPoll:           100 * time.Millisecond,
		FocusTimeout:        5 * time.Second,
		RoutingValve:        "a",
		IncubationPositions: map[string]int{"c": 1},
		SetupPositions:      map[string]int{"b": 2, "c": 2},
		Buffer:              map[int]string{1: "Buffer1", 4: "Buffer4"},
	}
}

func newExecutor(t *testing.T) (*StepExecutor, *devicestest.Fakes, *devicestest.Clock) {
	t.Helper()
	set, fakes := devicestest.NewSet()
	clock := devicestest.NewClock()
	return NewStepExecutor(&set, nil, testSettings(), clock, zaptest.NewLogger(t)), fakes, clock
}

func deviceCode(t *testing.T, err error) types.DeviceErrorCode {
	t.Helper()
	var devErr *types.DeviceCommError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected *types.DeviceCommError, got %v", err)
	}
	return devErr.Code
}

func TestScanStartPosition(t *testing.T) {
	tests := []struct {
		name     string
		planes   int
		centered bool
		want     float64
	}{
		{"centered even", 10, true, 48.75},
		{"centered odd", 9, true, 49.0},
		{"bottom", 10, false, 50},
		{"single plane", 1, true, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScanStartPosition(50, tt.planes, 0.25, tt.centered)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ScanStartPosition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInjectionSequence(t *testing.T) {
	e, fakes, clock := newExecutor(t)
	fakes.Flow.ReachAfter = 2

	step := protocol.Step{Kind: protocol.KindInjection, Product: "Buffer4", Volume: 100, Flowrate: 250}
	if _, err := e.Execute(context.Background(), step); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{
		"valves.set_position a 4",
		"valves.wait_for_idle",
		"flow.set_pressure 0",
		"flow.start_regulation 250",
		"flow.start_volume_measurement 100",
		"flow.target_volume_reached",
		"flow.target_volume_reached",
		"flow.target_volume_reached",
		"flow.stop_regulation",
		"flow.set_pressure 0",
	}
	if got := fakes.Log.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls:\n got %v\nwant %v", got, want)
	}
	wantSleeps := []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}
	if got := clock.Sleeps(); !reflect.DeepEqual(got, wantSleeps) {
		t.Fatalf("sleeps = %v, want %v", got, wantSleeps)
	}
}

func TestInjectionTimeout(t *testing.T) {
	e, fakes, clock := newExecutor(t)
	fakes.Flow.ReachAfter = -1

	start := clock.Now()
	step := protocol.Step{Kind: protocol.KindInjection, Product: "Buffer1", Volume: 10, Flowrate: 100,
		Timeout: protocol.Seconds(9)}
	_, err := e.Execute(context.Background(), step)

	if code := deviceCode(t, err); code != types.DeviceTimeout {
		t.Fatalf("code = %s", code)
	}
	if elapsed := clock.Now().Sub(start); elapsed != 9*time.Second {
		t.Fatalf("gave up after %s, want 9s", elapsed)
	}
	if fakes.Log.Count("flow.stop_regulation") != 0 {
		t.Fatal("regulation is stopped by cleanup, not by the failing step")
	}
}

func TestInjectionUnknownProduct(t *testing.T) {
	e, fakes, _ := newExecutor(t)

	_, err := e.Execute(context.Background(), protocol.Step{Kind: protocol.KindInjection, Product: "Nope", Volume: 1, Flowrate: 1})
	if code := deviceCode(t, err); code != types.DeviceNotFound {
		t.Fatalf("code = %s", code)
	}
	if len(fakes.Log.Calls()) != 0 {
		t.Fatalf("hardware touched: %v", fakes.Log.Calls())
	}
}

func TestIncubationZeroReturnsImmediately(t *testing.T) {
	e, fakes, clock := newExecutor(t)

	if _, err := e.Execute(context.Background(), protocol.Step{Kind: protocol.KindIncubation}); err != nil {
		t.Fatal(err)
	}
	if len(clock.Sleeps()) != 0 || len(fakes.Log.Calls()) != 0 {
		t.Fatalf("zero incubation waited or moved valves: sleeps=%v calls=%v", clock.Sleeps(), fakes.Log.Calls())
	}
}

func TestIncubationRoutesValves(t *testing.T) {
	e, fakes, clock := newExecutor(t)

	if _, err := e.Execute(context.Background(), protocol.Step{Kind: protocol.KindIncubation, Duration: protocol.Seconds(20)}); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"valves.set_position c 1",
		"valves.wait_for_idle",
		"valves.set_position c 2",
		"valves.wait_for_idle",
	}
	if got := fakes.Log.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v", got)
	}
	if !reflect.DeepEqual(clock.Sleeps(), []time.Duration{20 * time.Second}) {
		t.Fatalf("sleeps = %v", clock.Sleeps())
	}
}

func TestHandshakeTimeoutAtWindow(t *testing.T) {
	e, fakes, clock := newExecutor(t)
	fakes.Handshake.DoneAfter = -1
	zero := 0.0

	start := clock.Now()
	_, err := e.Execute(context.Background(), protocol.Step{
		Kind:    protocol.KindImagingPlane,
		ZOffset: &zero,
		Lines:   []protocol.LightLine{{Lightsource: "488 nm", Intensity: 20}},
	})

	if code := deviceCode(t, err); code != types.DeviceTimeout {
		t.Fatalf("code = %s", code)
	}
	waited := clock.Now().Sub(start) - 30*time.Millisecond // piezo settle
	if waited != 5*time.Second {
		t.Fatalf("handshake gave up after %s, want exactly 5s", waited)
	}
}

func TestImagingPlaneOffsetAndFilter(t *testing.T) {
	e, fakes, _ := newExecutor(t)
	fakes.FilterWheel.Lag = 2
	fakes.Piezo.Offset = 0.01
	fakes.Handshake.DoneAfter = 3
	e.SetScanStart(48.75)
	offset := 0.5

	res, err := e.Execute(context.Background(), protocol.Step{
		Kind:    protocol.KindImagingPlane,
		ZOffset: &offset,
		Lines:   []protocol.LightLine{{Lightsource: "561 nm", Intensity: 10, FilterPos: 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ZTarget != 49.25 || math.Abs(res.ZActual-49.26) > 1e-9 || !res.Imaged {
		t.Fatalf("result = %+v", res)
	}
	if fakes.Log.Index("piezo.go_to 49.25") != 0 {
		t.Fatalf("calls = %v", fakes.Log.Calls())
	}
	if fakes.Log.Index("filter.set_position 3") > fakes.Log.Index("fpga.signal_positioned") {
		t.Fatal("filter must be in place before the positioned signal")
	}
	if n := fakes.Log.Count("fpga.acquisition_done"); n != 4 {
		t.Fatalf("acquisition polls = %d, want 4", n)
	}
}

func TestFilterConfirmationIsBounded(t *testing.T) {
	e, fakes, clock := newExecutor(t)
	fakes.FilterWheel.Lag = -1
	z := 10.0

	start := clock.Now()
	_, err := e.Execute(context.Background(), protocol.Step{
		Kind:      protocol.KindImagingPlane,
		ZPosition: &z,
		Lines:     []protocol.LightLine{{Lightsource: "488 nm", Intensity: 5, FilterPos: 2}},
	})
	if code := deviceCode(t, err); code != types.DeviceTimeout {
		t.Fatalf("code = %s", code)
	}
	if waited := clock.Now().Sub(start) - 30*time.Millisecond; waited != 5*time.Second {
		t.Fatalf("filter wait = %s", waited)
	}
	if fakes.Log.Count("fpga.signal_positioned") != 0 {
		t.Fatal("signalled positioned without a confirmed filter")
	}
}

func TestIlluminationLines(t *testing.T) {
	e, fakes, clock := newExecutor(t)

	step := protocol.Step{
		Kind:     protocol.KindIllumination,
		Duration: protocol.Seconds(3),
		Lines: []protocol.LightLine{
			{Lightsource: "488 nm", Intensity: 80},
			{Lightsource: "640 nm", Intensity: 50},
		},
	}
	if _, err := e.Execute(context.Background(), step); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"lights.set_intensity 488 nm 80",
		"lights.set_intensity 488 nm 0",
		"lights.set_intensity 640 nm 50",
		"lights.set_intensity 640 nm 0",
	}
	if got := fakes.Log.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v", got)
	}
	if clock.SleepsOf(3*time.Second) != 2 {
		t.Fatalf("sleeps = %v", clock.Sleeps())
	}
}

func TestIlluminationSwitchesOffOnCancel(t *testing.T) {
	e, fakes, _ := newExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, protocol.Step{
		Kind:     protocol.KindIllumination,
		Duration: protocol.Seconds(60),
		Lines:    []protocol.LightLine{{Lightsource: "405 nm", Intensity: 100}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if fakes.Log.Index("lights.set_intensity 405 nm 0") < 0 {
		t.Fatal("laser left on after cancel")
	}
}

func TestValveAndRinseSteps(t *testing.T) {
	e, fakes, _ := newExecutor(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, protocol.Step{Kind: protocol.KindValvePosition, ValveID: "b", ValvePosition: 2}); err != nil {
		t.Fatal(err)
	}
	if fakes.Valves.Positions["b"] != 2 {
		t.Fatal("valve b not moved")
	}

	res, err := e.Execute(ctx, protocol.Step{Kind: protocol.KindRinse, Duration: protocol.Seconds(60)})
	if err != nil {
		t.Fatal(err)
	}
	if res.RinseFor != time.Minute || fakes.Log.Count("rinser.start") != 1 {
		t.Fatalf("rinse result %+v, calls %v", res, fakes.Log.Calls())
	}

	fakes.Log.FailOn("valves.wait_for_idle", types.NewDeviceError("valves", "wait_for_idle", types.DeviceTimeout, ""))
	_, err = e.Execute(ctx, protocol.Step{Kind: protocol.KindWaitForIdle})
	if code := deviceCode(t, err); code != types.DeviceTimeout {
		t.Fatalf("code = %s", code)
	}
}

func TestRequirements(t *testing.T) {
	got := Requirements(map[protocol.Kind]int{protocol.KindInjection: 2, protocol.KindImagingPlane: 1})
	want := []types.Capability{types.CapCamera, types.CapFlow, types.CapHandshake, types.CapPositioner, types.CapValves}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Requirements = %v, want %v", got, want)
	}

	got = Requirements(map[protocol.Kind]int{protocol.KindStageMove: 3, protocol.KindAutofocus: 2})
	want = []types.Capability{types.CapAutofocus, types.CapPositioner, types.CapStage}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Requirements = %v, want %v", got, want)
	}
}

func TestStageMoveWaitsForIdle(t *testing.T) {
	e, fakes, clock := newExecutor(t)
	fakes.Stage.IdleAfter = 3
	x, y := 120.5, -40.0

	_, err := e.Execute(context.Background(), protocol.Step{Kind: protocol.KindStageMove, ROI: "roi_a", X: &x, Y: &y})
	if err != nil {
		t.Fatal(err)
	}
	if fakes.Log.Index("stage.move_xy 120.5 -40") != 0 {
		t.Fatalf("calls = %v", fakes.Log.Calls())
	}
	if n := clock.SleepsOf(100 * time.Millisecond); n != 3 {
		t.Fatalf("stage polled with %d sleeps, want 3", n)
	}
}

func TestStageMoveTimeout(t *testing.T) {
	e, fakes, clock := newExecutor(t)
	fakes.Stage.IdleAfter = -1
	x, y := 1.0, 2.0

	start := clock.Now()
	_, err := e.Execute(context.Background(), protocol.Step{
		Kind:    protocol.KindStageMove,
		X:       &x,
		Y:       &y,
		Timeout: protocol.Seconds(2),
	})
	if code := deviceCode(t, err); code != types.DeviceTimeout {
		t.Fatalf("code = %s", code)
	}
	if waited := clock.Now().Sub(start); waited != 2*time.Second {
		t.Fatalf("stage wait gave up after %s, want the step timeout", waited)
	}

	fakes.Log.FailOn("stage.move_xy", types.NewDeviceError("stage", "move_xy", types.DeviceComm, "port closed"))
	_, err = e.Execute(context.Background(), protocol.Step{Kind: protocol.KindStageMove, X: &x, Y: &y})
	if code := deviceCode(t, err); code != types.DeviceComm {
		t.Fatalf("code = %s", code)
	}
}

func TestAutofocus(t *testing.T) {
	e, fakes, clock := newExecutor(t)
	fakes.Autofocus.FoundAfter = 2

	res, err := e.Execute(context.Background(), protocol.Step{Kind: protocol.KindAutofocus, ROI: "roi_a"})
	if err != nil || res.FocusLost {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if fakes.Log.Count("focus.positioned") != 3 {
		t.Fatalf("calls = %v", fakes.Log.Calls())
	}

	// lock never settles: bounded wait, imaging goes on
	fakes.Autofocus.FoundAfter = -1
	start := clock.Now()
	res, err = e.Execute(context.Background(), protocol.Step{Kind: protocol.KindAutofocus, ROI: "roi_b"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.FocusLost {
		t.Fatal("expected FocusLost after timeout")
	}
	if waited := clock.Now().Sub(start); waited != 5*time.Second {
		t.Fatalf("focus wait = %s, want 5s", waited)
	}
}
