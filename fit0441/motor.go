// Package fit0441 implements a DFRobot FIT0441 brushless DC gearmotor. The
// motor carries its own commutation controller and exposes three lines: an
// inverted-duty PWM power input (100% duty is stopped, 0% is full power), a
// direction input, and an FG tachometer output pulsing a fixed number of times
// per output shaft revolution, which permits closed-loop RPM control and
// odometry.
package fit0441

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

// Model for the viam supported DFRobot FIT0441 gearmotor.
var Model = resource.NewModel("viam", "dfrobot", "fit0441")

// PinConfig defines how the motor is wired to the board.
type PinConfig struct {
	PWM       string `json:"pwm"`
	Direction string `json:"dir"`
	Tacho     string `json:"tacho"` // digital interrupt watching the FG pin
}

// Config describes the configuration of a motor.
type Config struct {
	Pins              PinConfig `json:"pins"`
	BoardName         string    `json:"board"`
	MaxRPM            float64   `json:"max_rpm,omitempty"`
	GearRatio         float64   `json:"gear_ratio,omitempty"`
	PulsesPerMotorRev int       `json:"pulses_per_motor_rev,omitempty"`
	WheelDiameterMM   float64   `json:"wheel_diameter_mm,omitempty"`
	PWMFreqHz         uint      `json:"pwm_freq_hz,omitempty"`
	UseSoftwarePWM    bool      `json:"use_software_pwm,omitempty"`
	OpenLoop          bool      `json:"open_loop,omitempty"`
	MaxSlewRatePct    float64   `json:"max_slew_rate_pct,omitempty"`
	AccelDelayMS      int       `json:"accel_delay_ms,omitempty"`
	MaxRPMDeltaPerSec float64   `json:"max_rpm_delta_per_sec,omitempty"`
	MaxPctDeltaPerSec float64   `json:"max_power_delta_per_sec,omitempty"`
	KP                float64   `json:"kp,omitempty"`
	KI                float64   `json:"ki,omitempty"`
	KD                float64   `json:"kd,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, []string, error) {
	if config.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if config.Pins.PWM == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.pwm")
	}
	if config.Pins.Direction == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.dir")
	}
	if config.Pins.Tacho == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.tacho")
	}
	if config.GearRatio < 0 || config.PulsesPerMotorRev < 0 {
		return nil, nil, errors.New("gear_ratio and pulses_per_motor_rev must not be negative")
	}
	return []string{config.BoardName}, nil, nil
}

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// FIT0441 values.
const (
	defaultMaxRPM            = 159 // from the motor docs
	defaultGearRatio         = 45
	defaultPulsesPerMotorRev = 6
	defaultWheelDiameterMM   = 48
	defaultPWMFreqHz         = 25000
	defaultMaxSlewRatePct    = 20
	defaultAccelDelay        = 100 * time.Millisecond
	defaultMaxRPMDeltaPerSec = 120
	defaultMaxPctDeltaPerSec = 100
	defaultKP                = 0.1

	intervalBufferDepth = 10

	feedbackPeriod   = 50 * time.Millisecond
	maxPIDAdjustment = 10 // max control-law output per tick (%)

	deadbandRPM    = 6 // don't attempt to track targets below this
	deadbandPct    = 2 // snap commanded power below this to zero
	kickstartRPM   = 14
	kickstartBurst = 300 * time.Millisecond

	// millimeters traveled per 1% power per second, fitted empirically
	// (10 rotations measured as 2199mm). Open-loop estimates only.
	mmPerPctPerSec = 5.48

	reversalSafeThreshold = 10

	defaultDistancePoll = 10 * time.Millisecond
)

// A Motor is one FIT0441 axis: an inverted PWM power stage, a direction line,
// and the FG tachometer feed that drives speed regulation, stall recovery, and
// odometry.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	opMgr  *operation.SingleOperationManager
	clock  clock.Clock

	pwm    pwmDriver
	dirPin board.GPIOPin

	motorName string

	maxRPM             float64
	pulsesPerOutputRev float64
	circumferenceMM    float64
	maxSlewRatePct     float64
	accelDelay         time.Duration
	kp, ki, kd         float64

	rpmLimiter *slewLimiter
	pctLimiter *slewLimiter

	cancelCtx               context.Context
	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup

	// written by the tachometer path, read everywhere; see processPulse.
	pulseCount           atomic.Int64
	lastPulseNanos       atomic.Int64 // 0 until the first pulse is seen
	measuredRPMAbs       atomicFloat
	cumulativeDistanceMM atomicFloat
	stalled              atomic.Bool
	forward              atomic.Bool
	currentPowerPctBits  atomicFloat
	lastTargetSetNanos   atomic.Int64

	// pulseMu guards the interval ring and tick bookkeeping shared between
	// the tachometer path and explicit resets.
	pulseMu       sync.Mutex
	intervals     []int64 // inter-pulse intervals, microseconds
	lastTickNanos int64

	// sendMu serializes all writers of the PWM and direction lines.
	sendMu sync.Mutex

	mu                    sync.Mutex
	closedLoop            bool
	targetPowerPct        float64
	targetRPM             float64
	integralErr           float64
	lastErr               float64
	lastTickTargetRPM     float64
	haveLastTickTarget    bool
	estimatePowerPct      float64 // power used for the open-loop distance estimate
	initialDistanceMM     float64
	targetDistanceMM      float64
	haveDistanceTarget    bool
	distanceTargetReached bool
	startTime             time.Time
	stopTime              time.Time
	feedbackCancel        context.CancelFunc
	distanceCancel        context.CancelFunc
	onStall               func()
	onRecovery            func()
}

// newMotor builds a FIT0441 axis wired through the configured board.
func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	b, err := board.FromDependencies(deps, conf.BoardName)
	if err != nil {
		return nil, errors.Errorf("%q is not a board", conf.BoardName)
	}
	pwmPin, err := b.GPIOPinByName(conf.Pins.PWM)
	if err != nil {
		return nil, err
	}
	dirPin, err := b.GPIOPinByName(conf.Pins.Direction)
	if err != nil {
		return nil, err
	}
	tacho, err := b.DigitalInterruptByName(conf.Pins.Tacho)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	freq := conf.PWMFreqHz
	if freq == 0 {
		freq = defaultPWMFreqHz
	}
	var pwm pwmDriver
	if conf.UseSoftwarePWM {
		logger.CInfo(ctx, "using software PWM")
		pwm = newSoftwarePWM(ctx, pwmPin, freq, clk, logger)
	} else {
		logger.CInfo(ctx, "using hardware PWM")
		pwm, err = newHardwarePWM(ctx, pwmPin, freq)
		if err != nil {
			return nil, err
		}
	}

	ticks := make(chan board.Tick, 32)
	m, err := makeMotor(ctx, *conf, c.ResourceName(), logger, pwm, dirPin, ticks, clk)
	if err != nil {
		return nil, multierr.Combine(err, pwm.Close(ctx))
	}
	if err := b.StreamTicks(m.cancelCtx, []board.DigitalInterrupt{tacho}, ticks, nil); err != nil {
		return nil, multierr.Combine(
			errors.Wrapf(err, "failed to stream tachometer ticks for motor (%s)", m.motorName),
			m.Close(ctx),
		)
	}
	return m, nil
}

// makeMotor is separate from newMotor so tests can inject a fake PWM driver,
// direction pin, tick stream, and clock.
func makeMotor(ctx context.Context, c Config, name resource.Name, logger logging.Logger,
	pwm pwmDriver, dirPin board.GPIOPin, ticks <-chan board.Tick, clk clock.Clock,
) (*Motor, error) {
	if c.MaxRPM == 0 {
		logger.CWarn(ctx, "max_rpm not set, defaulting to 159 rpm")
		c.MaxRPM = defaultMaxRPM
	}
	if c.GearRatio == 0 {
		c.GearRatio = defaultGearRatio
	}
	if c.PulsesPerMotorRev == 0 {
		c.PulsesPerMotorRev = defaultPulsesPerMotorRev
	}
	if c.WheelDiameterMM == 0 {
		c.WheelDiameterMM = defaultWheelDiameterMM
	}
	if c.MaxSlewRatePct == 0 {
		c.MaxSlewRatePct = defaultMaxSlewRatePct
	}
	if c.MaxRPMDeltaPerSec == 0 {
		c.MaxRPMDeltaPerSec = defaultMaxRPMDeltaPerSec
	}
	if c.MaxPctDeltaPerSec == 0 {
		c.MaxPctDeltaPerSec = defaultMaxPctDeltaPerSec
	}
	if c.KP == 0 && c.KI == 0 && c.KD == 0 {
		c.KP = defaultKP
	}
	accelDelay := defaultAccelDelay
	if c.AccelDelayMS > 0 {
		accelDelay = time.Duration(c.AccelDelayMS) * time.Millisecond
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	m := &Motor{
		Named:              name.AsNamed(),
		logger:             logger,
		opMgr:              operation.NewSingleOperationManager(),
		clock:              clk,
		pwm:                pwm,
		dirPin:             dirPin,
		motorName:          name.ShortName(),
		maxRPM:             c.MaxRPM,
		pulsesPerOutputRev: c.GearRatio * float64(c.PulsesPerMotorRev),
		circumferenceMM:    c.WheelDiameterMM * math.Pi,
		maxSlewRatePct:     c.MaxSlewRatePct,
		accelDelay:         accelDelay,
		kp:                 c.KP,
		ki:                 c.KI,
		kd:                 c.KD,
		rpmLimiter:         newSlewLimiter(c.MaxRPMDeltaPerSec, reversalSafeThreshold, clk),
		pctLimiter:         newSlewLimiter(c.MaxPctDeltaPerSec, reversalSafeThreshold, clk),
		cancelCtx:          cancelCtx,
		cancel:             cancel,
		closedLoop:         !c.OpenLoop,
	}
	m.forward.Store(true)

	m.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() { m.consumeTicks(cancelCtx, ticks) }, m.activeBackgroundWorkers.Done)
	m.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() { m.stallMonitor(cancelCtx) }, m.activeBackgroundWorkers.Done)

	return m, nil
}

// ClosedLoopEnabled reports whether RPM feedback control is in use.
func (m *Motor) ClosedLoopEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closedLoop
}

// EnableClosedLoop switches between open-loop percent-power drive and
// closed-loop RPM tracking. Disabling closed loop cancels any active feedback
// task.
func (m *Motor) EnableClosedLoop(enable bool) {
	m.mu.Lock()
	m.closedLoop = enable
	if !enable {
		m.targetRPM = 0
		m.stopRPMControlLocked()
	}
	m.mu.Unlock()
}

// SetOnStall registers a callback invoked when a stall is detected. Recovery
// itself is automatic; the callback is a notification only.
func (m *Motor) SetOnStall(fn func()) {
	m.mu.Lock()
	m.onStall = fn
	m.mu.Unlock()
}

// SetOnRecovery registers a callback invoked when pulses resume after a stall.
func (m *Motor) SetOnRecovery(fn func()) {
	m.mu.Lock()
	m.onRecovery = fn
	m.mu.Unlock()
}

// IsStalled reports whether the axis is currently flagged as stalled.
func (m *Motor) IsStalled() bool {
	return m.stalled.Load()
}

func (m *Motor) currentPowerPct() float64 {
	return m.currentPowerPctBits.Load()
}

// sendPWM writes direction and power to the motor lines. Speed is signed;
// the duty inversion happens in the PWM driver.
func (m *Motor) sendPWM(ctx context.Context, speedPct float64) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	forward := speedPct >= 0
	m.forward.Store(forward)
	m.currentPowerPctBits.Store(speedPct)

	if speedPct == 0 {
		// default to forward when stopped
		return multierr.Combine(
			m.pwm.StopOutput(ctx),
			m.dirPin.Set(ctx, true, nil),
		)
	}
	if err := m.dirPin.Set(ctx, forward, nil); err != nil {
		return errors.Wrapf(err, "error setting direction on motor (%s)", m.motorName)
	}
	return m.pwm.SetOutput(ctx, math.Abs(speedPct))
}

// rampSteps produces the finite sequence of intermediate power values from
// `from` to `to`, stepping by at most maxStep. The final element is always
// exactly the target. Shared by the synchronous and scheduled send paths.
func rampSteps(from, to, maxStep float64) []float64 {
	to = clamp(to, -100, 100)
	if maxStep <= 0 {
		return []float64{to}
	}
	delta := to - from
	if math.Abs(delta) <= maxStep {
		return []float64{to}
	}
	step := math.Copysign(maxStep, delta)
	steps := make([]float64, 0, int(math.Abs(delta)/maxStep)+1)
	for cur := from; math.Abs(to-cur) > math.Abs(step); {
		cur += step
		steps = append(steps, cur)
	}
	return append(steps, to)
}

// applyPWMRamped slews the output from the current power to target, pausing
// accelDelay between intermediate steps.
func (m *Motor) applyPWMRamped(ctx context.Context, targetPct float64) error {
	steps := rampSteps(m.currentPowerPct(), targetPct, m.maxSlewRatePct)
	for i, step := range steps {
		if err := m.sendPWM(ctx, step); err != nil {
			return err
		}
		if i < len(steps)-1 && !m.waitFor(ctx, m.accelDelay) {
			return ctx.Err()
		}
	}
	return nil
}

// waitFor sleeps on the motor's clock, returning false if ctx was cancelled.
func (m *Motor) waitFor(ctx context.Context, d time.Duration) bool {
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// SetSpeed sets the open-loop motor speed as a signed percentage in
// [-100, 100], slew-limited and ramped. If targetMM > 0, a background task
// polls the traveled distance and stops the motor once the target is met.
func (m *Motor) SetSpeed(ctx context.Context, speedPct, targetMM float64) error {
	return m.setSpeed(ctx, speedPct, targetMM, defaultDistancePoll)
}

func (m *Motor) setSpeed(ctx context.Context, speedPct, targetMM float64, poll time.Duration) error {
	speedPct = clamp(speedPct, -100, 100)
	if speedPct == 0 {
		m.mu.Lock()
		m.stopTime = m.clock.Now()
		m.targetPowerPct = 0
		m.mu.Unlock()
		return m.applyPWMRamped(ctx, 0)
	}
	speedPct = m.pctLimiter.Limit(speedPct)
	m.lastTargetSetNanos.Store(m.clock.Now().UnixNano())

	if targetMM > 0 {
		m.ResetDistance()
		m.mu.Lock()
		m.targetPowerPct = speedPct
		m.estimatePowerPct = speedPct
		m.startTime = m.clock.Now()
		m.mu.Unlock()
		if err := m.applyPWMRamped(ctx, speedPct); err != nil {
			return err
		}
		m.logger.Debugf("speed set to %+.2f%%, running to target %.1fmm", speedPct, targetMM)
		m.startDistanceMonitor(targetMM, poll)
		return nil
	}

	m.mu.Lock()
	m.targetPowerPct = speedPct
	m.estimatePowerPct = speedPct
	m.startTime = m.clock.Now()
	m.mu.Unlock()
	return m.applyPWMRamped(ctx, speedPct)
}

// startDistanceMonitor replaces any running distance monitor with one that
// stops the motor once DistanceTraveledMM reaches targetMM.
func (m *Motor) startDistanceMonitor(targetMM float64, poll time.Duration) {
	m.mu.Lock()
	if m.distanceCancel != nil {
		m.distanceCancel()
	}
	ctx, cancel := context.WithCancel(m.cancelCtx)
	m.distanceCancel = cancel
	m.mu.Unlock()

	m.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() { m.monitorDistance(ctx, targetMM, poll) }, m.activeBackgroundWorkers.Done)
}

func (m *Motor) monitorDistance(ctx context.Context, targetMM float64, poll time.Duration) {
	for m.DistanceTraveledMM() < targetMM {
		if !m.waitFor(ctx, poll) {
			return
		}
	}
	m.logger.Debugf("target distance %.1fmm reached, stopping motor (%s)", targetMM, m.motorName)
	if err := m.Stop(m.cancelCtx, nil); err != nil {
		m.logger.CErrorw(ctx, "error stopping at distance target", "error", err)
	}
}

// Accelerate steps the active target from `from` to `to` by `step`, pausing
// `delay` between steps. In closed-loop mode the values are RPM targets; in
// open-loop mode they are percent power.
func (m *Motor) Accelerate(ctx context.Context, from, to, step float64, delay time.Duration) error {
	if delay <= 0 {
		delay = m.accelDelay
	}
	from = clamp(from, -100, 100)
	to = clamp(to, -100, 100)
	step = math.Abs(step)
	setter := func(ctx context.Context, v float64) error {
		if m.ClosedLoopEnabled() {
			return m.SetTargetRPM(ctx, v, 0)
		}
		return m.SetSpeed(ctx, v, 0)
	}
	if from == to || step == 0 {
		return setter(ctx, to)
	}
	dir := 1.0
	if to < from {
		dir = -1
	}
	for cur := from; (dir > 0 && cur <= to) || (dir < 0 && cur >= to); cur += dir * step {
		if err := setter(ctx, cur); err != nil {
			return err
		}
		if !m.waitFor(ctx, delay) {
			return ctx.Err()
		}
	}
	return setter(ctx, to)
}

// SetPower sets the motor power as a fraction in [-1, 1], per the motor API.
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	powerPct = clamp(powerPct, -1, 1)
	return m.SetSpeed(ctx, powerPct*100, 0)
}

// SetRPM instructs the motor to track the given RPM indefinitely.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	return m.SetTargetRPM(ctx, rpm, 0)
}

// GoFor turns the wheel the given number of revolutions at the given RPM and
// blocks until the distance target is reached. Negative RPM and revolutions
// compose the usual way: both negative means forward.
func (m *Motor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	if rpm == 0 {
		return motor.NewZeroRPMError()
	}
	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		return err
	}
	if !m.ClosedLoopEnabled() {
		return errors.Errorf("closed-loop control must be enabled for GoFor on motor (%s)", m.motorName)
	}
	if revolutions == 0 {
		return nil
	}

	dir := 1.0
	if math.Signbit(revolutions) != math.Signbit(rpm) {
		dir = -1
	}
	targetMM := math.Abs(revolutions) * m.circumferenceMM
	signedRPM := math.Abs(rpm) * dir

	ctx, done := m.opMgr.New(ctx)
	defer done()

	if err := m.SetTargetRPM(ctx, signedRPM, targetMM); err != nil {
		return errors.Wrapf(err, "error in GoFor from motor (%s)", m.motorName)
	}
	return m.opMgr.WaitForSuccess(ctx, defaultDistancePoll, m.isStopped)
}

// GoTo moves to the given absolute position in output-shaft revolutions.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	pos, err := m.Position(ctx, extra)
	if err != nil {
		return errors.Wrapf(err, "error in GoTo from motor (%s)", m.motorName)
	}
	return m.GoFor(ctx, rpm, positionRevolutions-pos, extra)
}

// Position reports the wheel position in signed output-shaft revolutions,
// derived from cumulative pulse odometry.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return m.CumulativeDistanceMM() / m.circumferenceMM, nil
}

// ResetZeroPosition sets the current position (adjusted by offset, in
// revolutions) to be the new zero.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	m.pulseMu.Lock()
	m.cumulativeDistanceMM.Store(-offset * m.circumferenceMM)
	m.pulseMu.Unlock()
	m.ResetDistance()
	return nil
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: true,
	}, nil
}

// IsPowered returns whether the motor is driving and at what power fraction.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	pct := m.currentPowerPct()
	return pct != 0, pct / 100, nil
}

// IsMoving returns true if the motor is commanded to move or pulses indicate
// that it does.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	if m.MeasuredRPM() != 0 {
		return true, nil
	}
	return m.currentPowerPct() != 0, nil
}

func (m *Motor) isStopped(ctx context.Context) (bool, error) {
	m.mu.Lock()
	target := m.targetRPM
	m.mu.Unlock()
	return target == 0 && m.currentPowerPct() == 0, nil
}

// Stop cancels any feedback and distance tasks, clears the RPM target, resets
// the rate limiters and control-law accumulators, and ramps the output to
// zero. Calling Stop repeatedly is harmless.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.mu.Lock()
	if m.distanceCancel != nil {
		m.distanceCancel()
		m.distanceCancel = nil
	}
	m.stopRPMControlLocked()
	m.resetPIDLocked()
	m.targetRPM = 0
	m.haveDistanceTarget = false
	m.stopTime = m.clock.Now()
	m.targetPowerPct = 0
	m.mu.Unlock()

	m.rpmLimiter.Reset()
	m.pctLimiter.Reset()

	err := m.applyPWMRamped(ctx, 0)
	m.resetPulseState()
	return err
}

// Close stops the motor, tears down all background tasks, and forces the
// output lines to a safe idle state.
func (m *Motor) Close(ctx context.Context) error {
	stopErr := m.Stop(ctx, nil)
	m.cancel()
	m.activeBackgroundWorkers.Wait()
	return multierr.Combine(
		stopErr,
		m.pwm.Close(ctx),
		m.dirPin.Set(ctx, false, nil),
	)
}

// DoCommand() related constants.
const (
	Command                 = "command"
	SetSpeedCmd             = "set_speed"
	SetRPMCmd               = "set_rpm"
	AccelerateCmd           = "accelerate"
	EnableClosedLoopCmd     = "enable_closed_loop"
	ResetDistanceCmd        = "reset_distance"
	ResetCumulativeDistance = "reset_cumulative_distance"
	StatusCmd               = "status"
)

func floatArg(cmd map[string]interface{}, key string) (float64, bool) {
	v, ok := cmd[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// DoCommand executes additional commands beyond the Motor{} interface.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case SetSpeedCmd:
		speed, ok := floatArg(cmd, "speed")
		if !ok {
			return nil, errors.New("need a floating point speed value for set_speed")
		}
		targetMM, _ := floatArg(cmd, "target_mm")
		poll := defaultDistancePoll
		if ms, ok := floatArg(cmd, "poll_ms"); ok && ms > 0 {
			poll = time.Duration(ms * float64(time.Millisecond))
		}
		return nil, m.setSpeed(ctx, speed, targetMM, poll)
	case SetRPMCmd:
		rpm, ok := floatArg(cmd, "rpm")
		if !ok {
			return nil, errors.New("need a floating point rpm value for set_rpm")
		}
		targetMM, _ := floatArg(cmd, "target_mm")
		return nil, m.SetTargetRPM(ctx, rpm, targetMM)
	case AccelerateCmd:
		from, fromOK := floatArg(cmd, "from")
		to, toOK := floatArg(cmd, "to")
		step, stepOK := floatArg(cmd, "step")
		if !fromOK || !toOK || !stepOK {
			return nil, errors.New("need from, to, and step values for accelerate")
		}
		delayMS, _ := floatArg(cmd, "delay_ms")
		return nil, m.Accelerate(ctx, from, to, step, time.Duration(delayMS)*time.Millisecond)
	case EnableClosedLoopCmd:
		enabled, ok := cmd["enabled"].(bool)
		if !ok {
			return nil, errors.New("need a boolean enabled value for enable_closed_loop")
		}
		m.EnableClosedLoop(enabled)
		return nil, nil
	case ResetDistanceCmd:
		m.ResetDistance()
		return nil, nil
	case ResetCumulativeDistance:
		m.ResetCumulativeDistance()
		return nil, nil
	case StatusCmd:
		mmPerSec, closedLoop := m.MeasuredMMPerSec()
		m.mu.Lock()
		targetRPM := m.targetRPM
		m.mu.Unlock()
		return map[string]interface{}{
			"measured_rpm":           m.MeasuredRPM(),
			"measured_mm_per_sec":    mmPerSec,
			"target_rpm":             targetRPM,
			"power_pct":              m.currentPowerPct(),
			"cumulative_distance_mm": m.CumulativeDistanceMM(),
			"distance_traveled_mm":   m.DistanceTraveledMM(),
			"stalled":                m.IsStalled(),
			"closed_loop":            closedLoop,
		}, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}
