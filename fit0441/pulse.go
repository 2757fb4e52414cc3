package fit0441

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/components/board"
)

// atomicFloat is a float64 published through atomic bit stores so the
// tachometer path can run lock-free against readers on other goroutines.
type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) Load() float64   { return math.Float64frombits(a.bits.Load()) }
func (a *atomicFloat) Store(v float64) { a.bits.Store(math.Float64bits(v)) }

// consumeTicks drains the tachometer tick stream. The FG line idles high and
// pulses low once per magnet transit, so only falling edges count.
func (m *Motor) consumeTicks(ctx context.Context, ticks <-chan board.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticks:
			if tick.High {
				continue
			}
			m.processPulse(int64(tick.TimestampNanosec))
		}
	}
}

// processPulse handles one falling edge of the FG pin. It runs in the tick
// consumer's context and must never block or sleep: it updates counters,
// recomputes the rolling RPM estimate, advances odometry, and runs the cheap
// inline stall check so a resumed pulse stream is observed immediately.
func (m *Motor) processPulse(tickNanos int64) {
	m.pulseCount.Add(1)
	m.lastPulseNanos.Store(m.clock.Now().UnixNano())

	m.pulseMu.Lock()
	if m.lastTickNanos != 0 {
		intervalUS := (tickNanos - m.lastTickNanos) / 1000
		if intervalUS > 0 {
			m.intervals = append(m.intervals, intervalUS)
			if len(m.intervals) > intervalBufferDepth {
				m.intervals = m.intervals[1:]
			}
			m.recalculateRPMLocked()
		}
	}
	m.lastTickNanos = tickNanos

	distancePerPulse := m.circumferenceMM / m.pulsesPerOutputRev
	distance := m.cumulativeDistanceMM.Load()
	if m.forward.Load() {
		distance += distancePerPulse
	} else {
		distance -= distancePerPulse
	}
	m.cumulativeDistanceMM.Store(distance)
	m.pulseMu.Unlock()

	m.checkStall()
}

// recalculateRPMLocked derives the output shaft RPM from the rolling average
// of recent inter-pulse intervals. Callers must hold pulseMu. Only the
// magnitude is stored; the sign is applied at read time from the commanded
// direction.
func (m *Motor) recalculateRPMLocked() {
	if len(m.intervals) == 0 {
		m.measuredRPMAbs.Store(0)
		return
	}
	var sum int64
	for _, interval := range m.intervals {
		sum += interval
	}
	avgIntervalUS := float64(sum) / float64(len(m.intervals))
	if avgIntervalUS == 0 {
		m.measuredRPMAbs.Store(0)
		return
	}
	pulsesPerMinute := 60e6 / avgIntervalUS
	m.measuredRPMAbs.Store(pulsesPerMinute / m.pulsesPerOutputRev)
}

// MeasuredRPM returns the output shaft RPM derived from the tachometer,
// signed according to the commanded direction.
func (m *Motor) MeasuredRPM() float64 {
	rpm := m.measuredRPMAbs.Load()
	if !m.forward.Load() {
		return -rpm
	}
	return rpm
}

// MeasuredMMPerSec returns the measured linear speed of the wheel. The second
// return is false in open-loop mode, where the tachometer is not trusted.
func (m *Motor) MeasuredMMPerSec() (float64, bool) {
	if !m.ClosedLoopEnabled() {
		return 0, false
	}
	return m.circumferenceMM * m.MeasuredRPM() / 60.0, true
}

// CumulativeDistanceMM returns the signed odometry distance accumulated from
// tachometer pulses. It persists across target changes and is only zeroed by
// an explicit reset.
func (m *Motor) CumulativeDistanceMM() float64 {
	return m.cumulativeDistanceMM.Load()
}

// DistanceTraveledMM reports distance traveled since the last ResetDistance.
// In closed-loop mode it counts tachometer pulses; in open-loop mode it is a
// low-confidence estimate from commanded power and elapsed time.
func (m *Motor) DistanceTraveledMM() float64 {
	if m.ClosedLoopEnabled() {
		rotations := float64(m.pulseCount.Load()) / m.pulsesPerOutputRev
		return rotations * m.circumferenceMM
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startTime.IsZero() {
		return 0
	}
	end := m.stopTime
	if end.IsZero() {
		end = m.clock.Now()
	}
	elapsed := end.Sub(m.startTime).Seconds()
	return math.Abs(m.estimatePowerPct) * elapsed * mmPerPctPerSec
}

// ResetDistance zeroes the session odometry counters and restarts the
// open-loop elapsed-time baseline. The cumulative distance used by closed-loop
// distance targets is left alone; see ResetCumulativeDistance.
func (m *Motor) ResetDistance() {
	m.mu.Lock()
	m.startTime = m.clock.Now()
	m.stopTime = time.Time{}
	m.mu.Unlock()
	m.pulseCount.Store(0)
}

// ResetCumulativeDistance zeroes the cumulative signed odometry.
func (m *Motor) ResetCumulativeDistance() {
	m.pulseMu.Lock()
	m.cumulativeDistanceMM.Store(0)
	m.pulseMu.Unlock()
}

// resetPulseState clears the tachometer-derived state after a stop.
func (m *Motor) resetPulseState() {
	m.pulseMu.Lock()
	m.lastTickNanos = 0
	m.intervals = m.intervals[:0]
	m.pulseMu.Unlock()
	m.measuredRPMAbs.Store(0)
	m.pulseCount.Store(0)
}
