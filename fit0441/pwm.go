package fit0441

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// pwmDriver is the power stage of the motor. The FIT0441's onboard controller
// uses inverted duty semantics: 100% duty is stopped and 0% duty is full power,
// so SetOutput takes the desired power percentage and inverts it on the wire.
type pwmDriver interface {
	// SetOutput applies a power percentage in [0, 100].
	SetOutput(ctx context.Context, powerPct float64) error
	// StopOutput drives the line to the stopped state (full duty).
	StopOutput(ctx context.Context) error
	Close(ctx context.Context) error
}

// hardwarePWM drives the motor through one of the board's hardware PWM pins.
type hardwarePWM struct {
	pin board.GPIOPin
}

func newHardwarePWM(ctx context.Context, pin board.GPIOPin, freqHz uint) (*hardwarePWM, error) {
	if err := pin.SetPWMFreq(ctx, freqHz, nil); err != nil {
		return nil, err
	}
	return &hardwarePWM{pin: pin}, nil
}

func (h *hardwarePWM) SetOutput(ctx context.Context, powerPct float64) error {
	powerPct = clamp(powerPct, 0, 100)
	return h.pin.SetPWM(ctx, (100-powerPct)/100, nil)
}

func (h *hardwarePWM) StopOutput(ctx context.Context) error {
	return h.pin.SetPWM(ctx, 1.0, nil)
}

func (h *hardwarePWM) Close(ctx context.Context) error {
	return h.StopOutput(ctx)
}

// Bit-banging much above this is wishful thinking on a general purpose pin, so
// the software driver caps the requested frequency here.
const maxSoftwarePWMFreqHz = 800

// softwarePWM bit-bangs the duty cycle on a plain GPIO pin from a background
// worker, for boards whose hardware PWM channels are already spoken for.
type softwarePWM struct {
	pin    board.GPIOPin
	period time.Duration
	clock  clock.Clock
	logger logging.Logger

	dutyBits atomicFloat

	cancel  context.CancelFunc
	workers sync.WaitGroup
}

func newSoftwarePWM(ctx context.Context, pin board.GPIOPin, freqHz uint, clk clock.Clock, logger logging.Logger) *softwarePWM {
	if freqHz == 0 || freqHz > maxSoftwarePWMFreqHz {
		freqHz = maxSoftwarePWMFreqHz
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	s := &softwarePWM{
		pin:    pin,
		period: time.Second / time.Duration(freqHz),
		clock:  clk,
		logger: logger,
		cancel: cancel,
	}
	s.dutyBits.Store(1.0) // stopped
	s.workers.Add(1)
	utils.ManagedGo(func() { s.run(cancelCtx) }, s.workers.Done)
	return s
}

func (s *softwarePWM) run(ctx context.Context) {
	for ctx.Err() == nil {
		duty := s.dutyBits.Load()
		switch {
		case duty >= 1.0:
			s.write(ctx, true)
			s.sleep(ctx, s.period)
		case duty <= 0:
			s.write(ctx, false)
			s.sleep(ctx, s.period)
		default:
			high := time.Duration(duty * float64(s.period))
			s.write(ctx, true)
			s.sleep(ctx, high)
			s.write(ctx, false)
			s.sleep(ctx, s.period-high)
		}
	}
}

func (s *softwarePWM) write(ctx context.Context, high bool) {
	if err := s.pin.Set(ctx, high, nil); err != nil && ctx.Err() == nil {
		s.logger.CErrorw(ctx, "software pwm pin write failed", "error", err)
	}
}

func (s *softwarePWM) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *softwarePWM) SetOutput(ctx context.Context, powerPct float64) error {
	powerPct = clamp(powerPct, 0, 100)
	s.dutyBits.Store((100 - powerPct) / 100)
	return nil
}

func (s *softwarePWM) StopOutput(ctx context.Context) error {
	s.dutyBits.Store(1.0)
	return nil
}

func (s *softwarePWM) Close(ctx context.Context) error {
	s.cancel()
	s.workers.Wait()
	// park the line in the stopped (high) state
	return s.pin.Set(ctx, true, nil)
}

func clamp(value, minVal, maxVal float64) float64 {
	return math.Max(minVal, math.Min(maxVal, value))
}
