package fit0441

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/utils"
)

// SetTargetRPM sets the closed-loop RPM target. A zero or sub-deadband target
// routes through Stop. If targetMM > 0 the feedback loop also halts the motor
// once the cumulative odometry has advanced that far in the commanded
// direction. The target passes through the RPM slew limiter, and a brief
// kickstart burst is applied when starting from rest below the kickstart
// threshold.
func (m *Motor) SetTargetRPM(ctx context.Context, rpm, targetMM float64) error {
	if !m.ClosedLoopEnabled() {
		return errors.Errorf("closed-loop mode must be enabled for RPM control on motor (%s)", m.motorName)
	}
	if math.IsNaN(rpm) || math.IsInf(rpm, 0) {
		return errors.Errorf("invalid rpm value %f", rpm)
	}
	if rpm == 0 || math.Abs(rpm) < deadbandRPM {
		m.logger.Debugf("target %.1f RPM is below viable threshold, stopping", rpm)
		return m.Stop(ctx, nil)
	}
	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		m.logger.CError(ctx, err)
	}

	rpm = m.rpmLimiter.Limit(rpm)

	m.mu.Lock()
	if targetMM > 0 {
		m.initialDistanceMM = m.cumulativeDistanceMM.Load()
		// the offset is signed so reverse targets count down
		m.targetDistanceMM = m.initialDistanceMM + math.Copysign(targetMM, rpm)
		m.haveDistanceTarget = true
	} else {
		m.haveDistanceTarget = false
	}
	m.distanceTargetReached = false
	m.targetRPM = rpm
	m.mu.Unlock()
	m.lastTargetSetNanos.Store(m.clock.Now().UnixNano())

	if m.MeasuredRPM() == 0 && math.Abs(rpm) < kickstartRPM {
		m.logger.Debug("applying kickstart for low RPM startup")
		kick := math.Copysign(kickstartRPM, rpm)
		if err := m.applyPWMRamped(ctx, kick); err != nil {
			return errors.Wrapf(err, "error applying kickstart on motor (%s)", m.motorName)
		}
		m.waitFor(ctx, kickstartBurst)
		m.mu.Lock()
		m.resetPIDLocked()
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.startRPMControlLocked()
	m.mu.Unlock()
	return nil
}

func (m *Motor) resetPIDLocked() {
	m.integralErr = 0
	m.lastErr = 0
	m.haveLastTickTarget = false
}

// startRPMControlLocked schedules the feedback task if none is running. At
// most one feedback task is alive per axis; a new target reuses it.
func (m *Motor) startRPMControlLocked() {
	if m.feedbackCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.cancelCtx)
	m.feedbackCancel = cancel
	m.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() { m.rpmFeedback(ctx) }, m.activeBackgroundWorkers.Done)
}

// stopRPMControlLocked cancels the feedback task without touching the RPM
// target, so stall recovery can pause and later resume tracking.
func (m *Motor) stopRPMControlLocked() {
	if m.feedbackCancel != nil {
		m.feedbackCancel()
		m.feedbackCancel = nil
	}
}

// rpmFeedback is the closed-loop control task. Every tick it compares the
// target against the measured RPM and nudges the PWM output by a clamped PID
// adjustment. It exits on cancellation, when the target is cleared, or when a
// distance target is reached.
func (m *Motor) rpmFeedback(ctx context.Context) {
	m.logger.Debugf("starting RPM feedback control loop on motor (%s)", m.motorName)
	m.mu.Lock()
	m.resetPIDLocked()
	m.mu.Unlock()

	dt := feedbackPeriod.Seconds()
	ticker := m.clock.Ticker(feedbackPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		target := m.targetRPM
		if target == 0 {
			m.mu.Unlock()
			return
		}
		// a direction reversal must not inherit windup
		if m.haveLastTickTarget && m.lastTickTargetRPM*target < 0 {
			m.integralErr = 0
		}
		m.lastTickTargetRPM = target
		m.haveLastTickTarget = true

		if m.haveDistanceTarget && !m.distanceTargetReached {
			current := m.cumulativeDistanceMM.Load()
			reached := (target > 0 && current >= m.targetDistanceMM) ||
				(target < 0 && current <= m.targetDistanceMM)
			if reached {
				m.distanceTargetReached = true
				traveled := math.Abs(m.targetDistanceMM - m.initialDistanceMM)
				m.mu.Unlock()
				m.logger.Debugf("target distance %.1fmm reached, stopping motor (%s)", traveled, m.motorName)
				if err := m.Stop(m.cancelCtx, nil); err != nil {
					m.logger.CErrorw(ctx, "error stopping at distance target", "error", err)
				}
				return
			}
		}

		errVal := target - m.MeasuredRPM()
		m.integralErr += errVal * dt
		derivative := (errVal - m.lastErr) / dt
		m.lastErr = errVal
		adjustment := clamp(
			m.kp*errVal+m.ki*m.integralErr+m.kd*derivative,
			-maxPIDAdjustment, maxPIDAdjustment,
		)
		m.mu.Unlock()

		newPower := clamp(m.currentPowerPct()+adjustment, -100, 100)
		if math.Abs(newPower) < deadbandPct {
			newPower = 0
		}
		if err := m.applyPWMRamped(ctx, newPower); err != nil && ctx.Err() == nil {
			m.logger.CErrorw(ctx, "error applying feedback adjustment", "error", err)
		}
	}
}
