package fit0441

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func TestSetTargetRPMRequiresClosedLoop(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100, OpenLoop: true}, clock.New())

	err := m.SetTargetRPM(ctx, 30, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "closed-loop")
}

func TestSetTargetRPMRejectsInvalidValues(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100}, clock.New())

	test.That(t, m.SetTargetRPM(ctx, math.NaN(), 0), test.ShouldNotBeNil)
	test.That(t, m.SetTargetRPM(ctx, math.Inf(1), 0), test.ShouldNotBeNil)
}

func TestSetTargetRPMZeroAndSubDeadbandStop(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	m, fake, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100}, clk)

	test.That(t, m.SetTargetRPM(ctx, 50, 0), test.ShouldBeNil)
	m.mu.Lock()
	test.That(t, m.targetRPM, test.ShouldEqual, 50.0)
	test.That(t, m.feedbackCancel, test.ShouldNotBeNil)
	m.mu.Unlock()

	test.That(t, m.SetTargetRPM(ctx, 0, 0), test.ShouldBeNil)
	m.mu.Lock()
	test.That(t, m.targetRPM, test.ShouldEqual, 0.0)
	test.That(t, m.feedbackCancel, test.ShouldBeNil)
	m.mu.Unlock()
	test.That(t, fake.stopCount(), test.ShouldBeGreaterThanOrEqualTo, 1)

	// a target below the deadband also routes through stop
	test.That(t, m.SetTargetRPM(ctx, 3, 0), test.ShouldBeNil)
	m.mu.Lock()
	test.That(t, m.targetRPM, test.ShouldEqual, 0.0)
	m.mu.Unlock()
}

func TestMeasuredRPMFromPulseIntervals(t *testing.T) {
	m, _, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100}, clock.New())

	// pulses every 50ms: 20 pulses/sec over 270 pulses/rev
	ts := int64(0)
	for i := 0; i < 12; i++ {
		ts += 50_000_000
		m.processPulse(ts)
	}
	want := (60e6 / 50_000) / 270 // ~4.444 rpm
	test.That(t, m.MeasuredRPM(), test.ShouldAlmostEqual, want, 1e-9)

	mmPerSec, ok := m.MeasuredMMPerSec()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, mmPerSec, test.ShouldAlmostEqual, 48*math.Pi*want/60, 1e-9)
}

func TestOdometryAccumulatesSignedDistance(t *testing.T) {
	m, _, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100}, clock.New())

	circumference := 48 * math.Pi
	ts := int64(0)
	for i := 0; i < 270; i++ {
		ts += 50_000_000
		m.processPulse(ts)
	}
	test.That(t, m.CumulativeDistanceMM(), test.ShouldAlmostEqual, circumference, 1e-9)
	test.That(t, m.DistanceTraveledMM(), test.ShouldAlmostEqual, circumference, 1e-9)

	// reverse pulses subtract
	m.forward.Store(false)
	for i := 0; i < 135; i++ {
		ts += 50_000_000
		m.processPulse(ts)
	}
	test.That(t, m.CumulativeDistanceMM(), test.ShouldAlmostEqual, circumference/2, 1e-9)

	m.ResetCumulativeDistance()
	test.That(t, m.CumulativeDistanceMM(), test.ShouldEqual, 0.0)
}

func TestFeedbackAdjustsPowerTowardTarget(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	m, fake, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100}, clk)

	ts := int64(0)
	pulse := func() {
		ts += 50_000_000
		m.processPulse(ts)
	}
	for i := 0; i < 12; i++ {
		pulse()
	}
	test.That(t, m.SetTargetRPM(ctx, 50, 0), test.ShouldBeNil)

	// drive the feedback ticker while keeping the tachometer fresh
	for i := 0; i < 1000 && len(fake.allOutputs()) == 0; i++ {
		pulse()
		clk.Add(feedbackPeriod)
		time.Sleep(time.Millisecond)
	}
	outputs := fake.allOutputs()
	test.That(t, len(outputs), test.ShouldBeGreaterThan, 0)

	// kp * (target - measured) with measured ~4.444 rpm
	wantFirst := 0.1 * (50 - (60e6/50_000)/270)
	test.That(t, outputs[0], test.ShouldAlmostEqual, wantFirst, 0.01)
}

func TestDistanceTargetStopsAtTargetNotBefore(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	m, _, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100}, clk)

	test.That(t, m.SetTargetRPM(ctx, 20, 100), test.ShouldBeNil)

	ts := int64(0)
	pulse := func() {
		ts += 50_000_000
		m.processPulse(ts)
	}

	// 100 pulses is ~55.9mm, well short of the 100mm target
	for i := 0; i < 100; i++ {
		pulse()
	}
	for i := 0; i < 5; i++ {
		pulse()
		clk.Add(feedbackPeriod)
		time.Sleep(time.Millisecond)
	}
	m.mu.Lock()
	test.That(t, m.targetRPM, test.ShouldEqual, 20.0)
	m.mu.Unlock()

	// another 100 pulses crosses the target
	for i := 0; i < 100; i++ {
		pulse()
	}
	stopped := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.targetRPM == 0
	}
	for i := 0; i < 1000 && !stopped(); i++ {
		pulse()
		clk.Add(feedbackPeriod)
		time.Sleep(time.Millisecond)
	}
	test.That(t, stopped(), test.ShouldBeTrue)
	test.That(t, m.currentPowerPct(), test.ShouldEqual, 0.0)
}

func TestDistanceTargetInReverse(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	m, _, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100}, clk)

	test.That(t, m.SetTargetRPM(ctx, -20, 100), test.ShouldBeNil)
	m.mu.Lock()
	test.That(t, m.targetDistanceMM, test.ShouldEqual, -100.0)
	m.mu.Unlock()

	// let the feedback loop command reverse so pulses count down
	advanceUntil(t, clk, feedbackPeriod, func() bool {
		return m.currentPowerPct() < 0
	})

	ts := int64(0)
	pulse := func() {
		ts += 50_000_000
		m.processPulse(ts)
	}
	for i := 0; i < 200; i++ {
		pulse()
	}
	test.That(t, m.CumulativeDistanceMM(), test.ShouldBeLessThan, -100.0)

	stopped := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.targetRPM == 0
	}
	for i := 0; i < 1000 && !stopped(); i++ {
		pulse()
		clk.Add(feedbackPeriod)
		time.Sleep(time.Millisecond)
	}
	test.That(t, stopped(), test.ShouldBeTrue)
}

func TestKickstartBelowThreshold(t *testing.T) {
	ctx := context.Background()
	m, fake, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100}, clock.New())

	test.That(t, m.SetTargetRPM(ctx, 10, 0), test.ShouldBeNil)
	outputs := fake.allOutputs()
	test.That(t, len(outputs), test.ShouldBeGreaterThan, 0)
	test.That(t, outputs[0], test.ShouldEqual, 14.0)
	m.mu.Lock()
	test.That(t, m.targetRPM, test.ShouldEqual, 10.0)
	m.mu.Unlock()
	test.That(t, m.Stop(ctx, nil), test.ShouldBeNil)
}

func TestGoForValidation(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100}, clock.New())

	err := m.GoFor(ctx, 0, 1, nil)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, m.GoFor(ctx, 50, 0, nil), test.ShouldBeNil)
}

func TestOverMaxRPMWarnsAndProceeds(t *testing.T) {
	ctx := context.Background()
	logger, obs := logging.NewObservedTestLogger(t)
	m, _, _, _ := newTestMotorWithLogger(t, Config{MaxSlewRatePct: 100}, clock.New(), logger)

	// a target beyond max_rpm is not an error; it is logged and tracked as best
	// the motor can
	test.That(t, m.SetRPM(ctx, 500, nil), test.ShouldBeNil)
	warned := false
	for _, entry := range obs.All() {
		if strings.Contains(fmt.Sprint(entry), "rev_per_min") {
			warned = true
		}
	}
	test.That(t, warned, test.ShouldBeTrue)
	m.mu.Lock()
	target := m.targetRPM
	m.mu.Unlock()
	test.That(t, target, test.ShouldEqual, 500.0)
	test.That(t, m.Stop(ctx, nil), test.ShouldBeNil)
}

func TestGoForRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	m, _, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100}, clk)

	done := make(chan error, 1)
	go func() {
		done <- m.GoFor(ctx, 50, 1, nil) // one revolution, ~150.8mm
	}()

	ts := int64(0)
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-done:
			test.That(t, err, test.ShouldBeNil)
			test.That(t, m.CumulativeDistanceMM(), test.ShouldBeGreaterThanOrEqualTo, 48*math.Pi)
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("GoFor did not complete")
		}
		ts += 50_000_000
		m.processPulse(ts)
		clk.Add(feedbackPeriod)
		time.Sleep(time.Millisecond)
	}
}

func TestEnableClosedLoopTogglesMode(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestMotor(t, Config{MaxSlewRatePct: 100}, clock.New())

	test.That(t, m.ClosedLoopEnabled(), test.ShouldBeTrue)
	test.That(t, m.SetTargetRPM(ctx, 50, 0), test.ShouldBeNil)

	m.EnableClosedLoop(false)
	test.That(t, m.ClosedLoopEnabled(), test.ShouldBeFalse)
	m.mu.Lock()
	test.That(t, m.targetRPM, test.ShouldEqual, 0.0)
	test.That(t, m.feedbackCancel, test.ShouldBeNil)
	m.mu.Unlock()

	m.EnableClosedLoop(true)
	test.That(t, m.ClosedLoopEnabled(), test.ShouldBeTrue)
}
