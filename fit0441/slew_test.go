package fit0441

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
)

func TestSlewLimiterFirstRequestAccepted(t *testing.T) {
	clk := clock.NewMock()
	l := newSlewLimiter(10, 5, clk)
	test.That(t, l.Limit(100), test.ShouldEqual, 100.0)
}

func TestSlewLimiterBoundsRateOfChange(t *testing.T) {
	clk := clock.NewMock()
	l := newSlewLimiter(10, 5, clk)

	test.That(t, l.Limit(100), test.ShouldEqual, 100.0)

	// 10 units/sec: a full second only moves the value by 10
	clk.Add(time.Second)
	test.That(t, l.Limit(0), test.ShouldEqual, 90.0)

	// half a second moves it by 5
	clk.Add(500 * time.Millisecond)
	test.That(t, l.Limit(0), test.ShouldEqual, 85.0)

	// small requests inside the budget pass through exactly
	clk.Add(time.Second)
	test.That(t, l.Limit(80), test.ShouldEqual, 80.0)
}

func TestSlewLimiterSameInstantReturnsPrevious(t *testing.T) {
	clk := clock.NewMock()
	l := newSlewLimiter(10, 5, clk)

	test.That(t, l.Limit(50), test.ShouldEqual, 50.0)
	test.That(t, l.Limit(-50), test.ShouldEqual, 50.0)
	test.That(t, l.Limit(60), test.ShouldEqual, 50.0)
}

func TestSlewLimiterBlocksReversalAtSpeed(t *testing.T) {
	clk := clock.NewMock()
	l := newSlewLimiter(1000, 5, clk)

	test.That(t, l.Limit(50), test.ShouldEqual, 50.0)
	clk.Add(time.Second)
	test.That(t, l.Limit(-50), test.ShouldEqual, 50.0)

	// stays blocked even after more time passes
	clk.Add(time.Second)
	test.That(t, l.Limit(-10), test.ShouldEqual, 50.0)

	// ramping through zero first is allowed
	clk.Add(time.Second)
	test.That(t, l.Limit(0), test.ShouldEqual, 0.0)
	clk.Add(time.Second)
	test.That(t, l.Limit(-50), test.ShouldEqual, -50.0)
}

func TestSlewLimiterAllowsReversalBelowThreshold(t *testing.T) {
	clk := clock.NewMock()
	l := newSlewLimiter(1000, 5, clk)

	test.That(t, l.Limit(3), test.ShouldEqual, 3.0)
	clk.Add(time.Second)
	test.That(t, l.Limit(-3), test.ShouldEqual, -3.0)
}

func TestSlewLimiterReset(t *testing.T) {
	clk := clock.NewMock()
	l := newSlewLimiter(10, 5, clk)

	test.That(t, l.Limit(100), test.ShouldEqual, 100.0)
	l.Reset()
	test.That(t, l.Limit(-100), test.ShouldEqual, -100.0)

	l.ResetTo(20)
	clk.Add(time.Second)
	test.That(t, l.Limit(40), test.ShouldEqual, 30.0)
}
