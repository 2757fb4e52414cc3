package fit0441

import (
	"context"
	"math"
	"time"

	"go.viam.com/utils"
)

const (
	stallMonitorPeriod = 100 * time.Millisecond
	stallTimeout       = 300 * time.Millisecond
	stallGracePeriod   = 400 * time.Millisecond

	// recovery trial power levels, percent
	recoveryRampStartPct = 20
	recoveryRampEndPct   = 70
	recoveryRampStepPct  = 10
	recoveryStepPause    = 300 * time.Millisecond
	recoveryResumePause  = 200 * time.Millisecond

	// open-loop commands below this magnitude are not expected to move the wheel
	openLoopMinMovePct = 10
)

// stallMonitor periodically re-evaluates the stall state. The same check also
// runs inline from the pulse path so a resumed pulse stream is observed with
// no added latency.
func (m *Motor) stallMonitor(ctx context.Context) {
	ticker := m.clock.Ticker(stallMonitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkStall()
		}
	}
}

// checkStall decides whether the axis is stalled: commanded to move but silent
// on the tachometer for longer than stallTimeout. It is cheap (timestamp
// comparisons) because it also runs in the tachometer callback context.
func (m *Motor) checkStall() {
	now := m.clock.Now()
	if ts := m.lastTargetSetNanos.Load(); ts != 0 &&
		now.Sub(time.Unix(0, ts)) < stallGracePeriod {
		// a fresh command gets a grace period before silence counts
		return
	}

	m.mu.Lock()
	closedLoop := m.closedLoop
	targetRPM := m.targetRPM
	targetPct := m.targetPowerPct
	m.mu.Unlock()

	shouldMove := (closedLoop && math.Abs(targetRPM) >= deadbandRPM) ||
		(!closedLoop && math.Abs(targetPct) >= openLoopMinMovePct)
	if !shouldMove {
		m.stalled.Store(false)
		return
	}

	last := m.lastPulseNanos.Load()
	if last == 0 {
		// haven't seen a pulse yet
		return
	}
	elapsed := now.Sub(time.Unix(0, last))
	if elapsed > stallTimeout {
		if m.stalled.CompareAndSwap(false, true) {
			m.logger.Warnf("stall detected on motor (%s): no tachometer pulse in %v", m.motorName, elapsed)
			m.handleStall()
		}
		return
	}
	if m.stalled.CompareAndSwap(true, false) {
		m.logger.Infof("recovery detected on motor (%s): tachometer pulses resumed", m.motorName)
		// reset power and control state so resuming doesn't jerk
		m.currentPowerPctBits.Store(0)
		m.mu.Lock()
		m.resetPIDLocked()
		m.mu.Unlock()
		m.handleRecovery()
	}
}

// handleStall pauses the feedback task, keeps the target, and schedules the
// recovery ramp. Runs in the tachometer or monitor context, so all real work
// is handed to background tasks.
func (m *Motor) handleStall() {
	m.mu.Lock()
	onStall := m.onStall
	m.stopRPMControlLocked()
	m.mu.Unlock()

	if onStall != nil {
		utils.PanicCapturingGo(onStall)
	}
	m.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() { m.attemptRecovery(m.cancelCtx) }, m.activeBackgroundWorkers.Done)
}

// attemptRecovery ramps the output through increasing trial power levels in
// the stall's direction, pausing after each step. A pulse arriving during a
// pause means the wheel broke free; the pulse path clears the stall flag, so
// the ramp just exits. If the full ramp produces no pulse the axis stays
// commanded but stalled, and a later pulse re-triggers recovery detection
// automatically.
func (m *Motor) attemptRecovery(ctx context.Context) {
	m.mu.Lock()
	targetRPM := m.targetRPM
	m.mu.Unlock()
	if math.Abs(targetRPM) < deadbandRPM {
		m.logger.Warnf("recovery aborted on motor (%s): target RPM below minimum threshold", m.motorName)
		return
	}
	direction := math.Copysign(1, targetRPM)
	for pct := float64(recoveryRampStartPct); pct <= recoveryRampEndPct; pct += recoveryRampStepPct {
		if !m.stalled.Load() {
			return
		}
		m.logger.Debugf("trying recovery power %.0f%% on motor (%s)", direction*pct, m.motorName)
		if err := m.applyPWMRamped(ctx, direction*pct); err != nil {
			if ctx.Err() == nil {
				m.logger.CErrorw(ctx, "error applying recovery power", "error", err)
			}
			return
		}
		if !m.waitFor(ctx, recoveryStepPause) {
			return
		}
		if last := m.lastPulseNanos.Load(); last != 0 &&
			m.clock.Now().Sub(time.Unix(0, last)) < recoveryStepPause {
			m.logger.Infof("motor (%s) responded during recovery", m.motorName)
			return
		}
	}
	m.logger.Warnf("recovery ramp exhausted on motor (%s): no tachometer response", m.motorName)
}

// handleRecovery notifies the caller and schedules a smooth resume of the
// previously held target.
func (m *Motor) handleRecovery() {
	m.mu.Lock()
	onRecovery := m.onRecovery
	m.mu.Unlock()

	if onRecovery != nil {
		utils.PanicCapturingGo(onRecovery)
	}
	m.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() { m.resumeAfterRecovery(m.cancelCtx) }, m.activeBackgroundWorkers.Done)
}

// resumeAfterRecovery re-ramps to the held target rather than snapping back.
func (m *Motor) resumeAfterRecovery(ctx context.Context) {
	if err := m.applyPWMRamped(ctx, 0); err != nil && ctx.Err() == nil {
		m.logger.CErrorw(ctx, "error resetting output after recovery", "error", err)
	}
	if !m.waitFor(ctx, recoveryResumePause) {
		return
	}
	m.mu.Lock()
	target := m.targetRPM
	m.mu.Unlock()
	if target == 0 {
		return
	}
	m.logger.Debugf("resuming RPM control at %.1f RPM on motor (%s)", target, m.motorName)
	if err := m.SetTargetRPM(ctx, target, 0); err != nil && ctx.Err() == nil {
		m.logger.CErrorw(ctx, "error resuming RPM control after recovery", "error", err)
	}
}
