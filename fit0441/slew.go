package fit0441

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// slewLimiter bounds how fast a commanded scalar (percent power or RPM) may
// change per second. While the magnitude of the last accepted value is above
// safeThreshold, requests that would flip its sign are rejected so the motor
// cannot be reversed instantaneously at speed.
type slewLimiter struct {
	mu             sync.Mutex
	maxDeltaPerSec float64
	safeThreshold  float64
	clock          clock.Clock
	lastValue      float64
	hasLast        bool
	lastTime       time.Time
}

func newSlewLimiter(maxDeltaPerSec, safeThreshold float64, clk clock.Clock) *slewLimiter {
	return &slewLimiter{
		maxDeltaPerSec: maxDeltaPerSec,
		safeThreshold:  safeThreshold,
		clock:          clk,
		lastTime:       clk.Now(),
	}
}

// Limit returns the value the limiter accepts for the given request. The first
// request after construction or Reset is accepted unconditionally.
func (s *slewLimiter) Limit(value float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !s.hasLast {
		s.lastValue = value
		s.hasLast = true
		s.lastTime = now
		return value
	}
	elapsed := now.Sub(s.lastTime).Seconds()
	if elapsed <= 0 {
		// No time has passed; same-tick duplicates get the previous answer.
		return s.lastValue
	}
	if value*s.lastValue < 0 && math.Abs(s.lastValue) > s.safeThreshold {
		return s.lastValue
	}
	maxDelta := s.maxDeltaPerSec * elapsed
	delta := value - s.lastValue
	if math.Abs(delta) > maxDelta {
		value = s.lastValue + math.Copysign(maxDelta, delta)
	}
	s.lastValue = value
	s.lastTime = now
	return value
}

// Reset clears the limiter so the next request is accepted unconditionally.
func (s *slewLimiter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasLast = false
	s.lastTime = s.clock.Now()
}

// ResetTo seeds the limiter with a known value.
func (s *slewLimiter) ResetTo(value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastValue = value
	s.hasLast = true
	s.lastTime = s.clock.Now()
}
