package scene

import (
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Idle motion constants.
const (
	breathingRate      = 0.25 // Hz
	breathingAmplitude = 0.012
	swayRate           = 0.1
	swayAmplitude      = 0.03
	leanAmplitude      = 0.01

	MinBlinkGap   = 2 * time.Second
	MaxBlinkGap   = 6 * time.Second
	blinkDuration = 150 * time.Millisecond

	pulseExpression = "happy"
)

// Animator drives one bound model frame by frame. Idle motion (breathing,
// blink, sway) always runs underneath the expression overlay; lip-sync owns
// the mouth parameters exclusively. Animator is not safe for concurrent use.
type Animator struct {
	rig    Rig
	model  Model
	logger zerolog.Logger
	rng    *rand.Rand

	elapsed float64
	noise   [3]float64

	nextBlink  float64
	blinkStart float64
	blinking   bool
	blinkValue float32

	expression string
	overlay    map[string]float32

	pulseLeft time.Duration

	lipSync    bool
	lipElapsed float64
	mouthOpen  float32

	missing map[string]bool
}

// NewAnimator binds an animator to model.
func NewAnimator(rig Rig, model Model, rng *rand.Rand, logger zerolog.Logger) *Animator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	a := &Animator{
		rig:        rig,
		model:      model,
		logger:     logger,
		rng:        rng,
		expression: "idle",
		missing:    make(map[string]bool),
	}
	for i := range a.noise {
		a.noise[i] = rng.Float64() * 100
	}
	a.openEyes()
	a.scheduleBlink()
	return a
}

// Model returns the bound model.
func (a *Animator) Model() Model { return a.model }

// Expression is the externally requested expression, unaffected by pulses.
func (a *Animator) Expression() string { return a.expression }

// Pulsing reports whether a touch pulse is playing.
func (a *Animator) Pulsing() bool { return a.pulseLeft > 0 }

// LipSyncing reports whether lip-sync is running.
func (a *Animator) LipSyncing() bool { return a.lipSync }

// MouthOpen is the current procedural mouth openness.
func (a *Animator) MouthOpen() float32 { return a.mouthOpen }

// NextBlinkIn is the time left until the next scheduled blink.
func (a *Animator) NextBlinkIn() time.Duration {
	return time.Duration((a.nextBlink - a.elapsed) * float64(time.Second))
}

// SetExpression zeroes every discrete expression weight and applies the
// preset for expression. "speaking" changes nothing: the mouth belongs to
// lip-sync. It reports whether the overlay changed.
func (a *Animator) SetExpression(expression string) bool {
	if expression == "speaking" {
		return false
	}
	a.expression = expression
	a.overlay = WithoutMouth(a.rig, a.rig.Preset(expression))
	if a.pulseLeft <= 0 {
		a.applyOverlay(a.overlay)
	}
	return true
}

// Pulse plays the transient happy overlay for d, after which the requested
// expression is restored.
func (a *Animator) Pulse(d time.Duration) {
	a.pulseLeft = d
	a.applyOverlay(WithoutMouth(a.rig, a.rig.Preset(pulseExpression)))
}

// StartLipSync begins procedural mouth motion. Starting twice is the same as
// starting once; it reports whether anything started.
func (a *Animator) StartLipSync() bool {
	if a.lipSync {
		return false
	}
	a.lipSync = true
	a.lipElapsed = 0
	return true
}

// StopLipSync halts mouth motion and zeroes every mouth parameter.
func (a *Animator) StopLipSync() bool {
	was := a.lipSync
	a.lipSync = false
	a.lipElapsed = 0
	a.mouthOpen = 0
	for _, p := range a.rig.MouthParams() {
		a.set(p, 0)
	}
	return was
}

// LipSyncStep advances the procedural mouth by dt.
func (a *Animator) LipSyncStep(dt time.Duration) {
	if !a.lipSync {
		return
	}
	a.lipElapsed += dt.Seconds()
	a.mouthOpen = mouthOpenness(a.lipElapsed, a.rng)
	for name, v := range a.rig.MouthShape(a.mouthOpen) {
		a.set(name, v)
	}
}

// Tick advances idle motion, blink and pulse by dt.
func (a *Animator) Tick(dt time.Duration) {
	a.elapsed += dt.Seconds()

	if a.pulseLeft > 0 {
		a.pulseLeft -= dt
		if a.pulseLeft <= 0 {
			a.pulseLeft = 0
			a.applyOverlay(a.overlay)
		}
	}

	a.applyPose()
	a.updateBlink()
}

// Hit reports whether the screen point (x, y) lands on the model.
func (a *Animator) Hit(x, y float32) bool {
	return a.model.Bounds().Contains(a.model.Pose().Matrix(), x, y)
}

// Reset returns the model to rest: no overlay, mouth closed, eyes open.
func (a *Animator) Reset() {
	a.StopLipSync()
	a.pulseLeft = 0
	a.expression = "idle"
	a.overlay = nil
	a.applyOverlay(nil)
	a.openEyes()
	a.model.SetPose(RestPose)
}

func (a *Animator) applyOverlay(weights map[string]float32) {
	for _, p := range a.rig.ExpressionParams() {
		a.set(p, 0)
	}
	for name, v := range weights {
		a.set(name, v)
	}
}

func (a *Animator) applyPose() {
	t := a.elapsed
	breath := math.Sin(t * breathingRate * 2 * math.Pi)
	a.model.SetPose(Pose{
		Scale: float32(1 + breath*breathingAmplitude),
		Sway:  float32(noise(t*swayRate, a.noise[0]) * swayAmplitude),
		Lean:  float32(noise(t*swayRate*0.8, a.noise[1]) * leanAmplitude),
	})
}

func (a *Animator) updateBlink() {
	if !a.blinking && a.elapsed >= a.nextBlink {
		a.blinking = true
		a.blinkStart = a.elapsed
	}
	if !a.blinking {
		return
	}
	progress := (a.elapsed - a.blinkStart) / blinkDuration.Seconds()
	var closed float64
	switch {
	case progress >= 1:
		a.blinking = false
		a.scheduleBlink()
	case progress < 0.4:
		p := progress / 0.4
		closed = p * (2 - p)
	case progress < 0.5:
		closed = 1
	default:
		p := 1 - (progress-0.5)/0.5
		closed = p * p
	}
	a.blinkValue = float32(closed)
	for name, v := range a.rig.BlinkShape(a.blinkValue) {
		a.set(name, v)
	}
}

func (a *Animator) openEyes() {
	a.blinking = false
	a.blinkValue = 0
	for name, v := range a.rig.BlinkShape(0) {
		a.set(name, v)
	}
}

func (a *Animator) scheduleBlink() {
	gap := MinBlinkGap + time.Duration(a.rng.Float64()*float64(MaxBlinkGap-MinBlinkGap))
	a.nextBlink = a.elapsed + gap.Seconds()
}

// set writes one parameter. A rig missing an optional parameter must not
// break the avatar, so the failure is logged once and skipped.
func (a *Animator) set(name string, v float32) {
	if err := a.model.SetParameter(name, v); err != nil {
		if !a.missing[name] {
			a.missing[name] = true
			a.logger.Debug().Err(err).Str("param", name).Msg("Skipping parameter")
		}
	}
}

func noise(t, offset float64) float64 {
	t += offset
	n1 := math.Sin(t)
	n2 := math.Sin(t*2.3+1.7) * 0.5
	n3 := math.Sin(t*4.1+3.2) * 0.25
	return (n1 + n2 + n3) / 1.75
}

// mouthOpenness approximates speech: a syllable-rate oscillation modulated
// by jitter so the mouth never settles into an obvious loop.
func mouthOpenness(t float64, rng *rand.Rand) float32 {
	syllable := math.Abs(math.Sin(t * 9.5))
	phrase := 0.75 + 0.25*math.Sin(t*1.3)
	jitter := 0.7 + 0.3*rng.Float64()
	v := 0.1 + 0.8*syllable*phrase*jitter
	return float32(math.Min(1, math.Max(0, v)))
}
