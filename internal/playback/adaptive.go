package playback

import "time"

// NetworkSample is a read-only snapshot of connection characteristics
//. All fields are optional; a zero-value
// sample falls back to EffectiveType "4g".
type NetworkSample struct {
	EffectiveType string // "slow-2g" | "2g" | "3g" | "4g"
	DownlinkMbps float64
	RTT time.Duration
	SaveData bool
}

// MemoryPressure is a coarse device-memory signal.
type MemoryPressure string

const (
	MemoryNormal MemoryPressure = "normal"
	MemoryLow MemoryPressure = "low"
	MemoryHigh MemoryPressure = "high"
	MemoryCritical MemoryPressure = "critical"
)

// DeviceSample is a read-only snapshot of device performance.
type DeviceSample struct {
	Memory MemoryPressure
	Cores int
}

// BehaviorSample summarizes recent user interaction patterns.
type BehaviorSample struct {
	SeekFrequency float64 // seeks per minute
	CompletionRate float64 // 0..1, fraction of lessons finished
	PauseFrequency float64 // pauses per minute
}

// Strategy is the tuple of buffering parameters the controller derives
// from environment + behavior signals.
type Strategy struct {
	MinBufferSize int64 // ms
	TargetBufferSize int64 // ms
	MaxBufferSize int64 // ms
	AggressivePreloading bool
	QualityAdaptation bool
	MemoryConscious bool
	MaxConcurrentLoads int
}

// baselineStrategy is the strategy before any signal-driven adjustment.
func baselineStrategy() Strategy {
	return Strategy{
		MinBufferSize: 3_000,
		TargetBufferSize: 20_000,
		MaxBufferSize: 60_000,
		AggressivePreloading: false,
		QualityAdaptation: true,
		MemoryConscious: false,
		MaxConcurrentLoads: 2,
	}
}

// AdaptiveController derives a Strategy from each network/device/behavior
// sample passed to Sample, gated by a hysteresis rule so
// small fluctuations don't thrash downstream buffer/worker configuration.
type AdaptiveController struct {
	last Strategy
	haveLast bool
}

// NewAdaptiveController constructs a controller with no prior strategy.
func NewAdaptiveController() *AdaptiveController {
	return &AdaptiveController{}
}

// Derive computes a strategy from the three signal sources by applying
// network rules, then memory rules, then behavior rules in order — each
// later rule may tighten/loosen what the previous one set ").
func Derive(net NetworkSample, dev DeviceSample, behavior BehaviorSample) Strategy {
	s := baselineStrategy()
	applyNetwork(&s, net)
	applyMemory(&s, dev)
	applyBehavior(&s, behavior)
	clampStrategy(&s)
	return s
}

func applyNetwork(s *Strategy, net NetworkSample) {
	switch net.EffectiveType {
	case "slow-2g", "2g":
		s.MinBufferSize = 8_000
		s.TargetBufferSize = 20_000
		s.MaxConcurrentLoads = 1
	case "3g":
		s.MinBufferSize = 5_000
		s.TargetBufferSize = 15_000
	case "4g":
		s.AggressivePreloading = true
		s.MaxConcurrentLoads = 4
	}
	if net.RTT > 300*time.Millisecond {
		if s.MinBufferSize < 6_000 {
			s.MinBufferSize = 6_000
		}
		if s.TargetBufferSize < 18_000 {
			s.TargetBufferSize = 18_000
		}
	}
	if net.SaveData {
		if s.TargetBufferSize > 10_000 {
			s.TargetBufferSize = 10_000
		}
		if s.MaxBufferSize > 20_000 {
			s.MaxBufferSize = 20_000
		}
		s.AggressivePreloading = false
	}
}

func applyMemory(s *Strategy, dev DeviceSample) {
	switch dev.Memory {
	case MemoryCritical:
		s.MaxBufferSize = 10_000
		s.MaxConcurrentLoads = 1
		s.MemoryConscious = true
	case MemoryHigh:
		if s.MaxBufferSize > 20_000 {
			s.MaxBufferSize = 20_000
		}
		s.MemoryConscious = true
	case MemoryLow:
		s.AggressivePreloading = true
	}
}

func applyBehavior(s *Strategy, behavior BehaviorSample) {
	const highSeekFreq = 6.0 // seeks/min
	const lowCompletion = 0.3 // fraction
	const highPauseFreq = 4.0 // pauses/min

	if behavior.SeekFrequency >= highSeekFreq {
		s.AggressivePreloading = true
		if s.TargetBufferSize < 20_000 {
			s.TargetBufferSize = 20_000
		}
	}
	if behavior.CompletionRate > 0 && behavior.CompletionRate < lowCompletion {
		s.TargetBufferSize = shrink(s.TargetBufferSize)
		s.MaxBufferSize = shrink(s.MaxBufferSize)
	}
	if behavior.PauseFrequency >= highPauseFreq {
		s.TargetBufferSize = shrink(s.TargetBufferSize)
	}
}

func shrink(v int64) int64 {
	v = int64(float64(v) * 0.75)
	if v < 5_000 {
		v = 5_000
	}
	return v
}

func clampStrategy(s *Strategy) {
	if s.MinBufferSize > s.TargetBufferSize {
		s.MinBufferSize = s.TargetBufferSize
	}
	if s.TargetBufferSize > s.MaxBufferSize {
		s.TargetBufferSize = s.MaxBufferSize
	}
	if s.MaxConcurrentLoads <= 0 {
		s.MaxConcurrentLoads = 1
	}
}

// ShouldApply reports whether next differs enough from prev to warrant
// reconfiguring downstream components: target changes by more than 20%, or
// either flag flips.
func ShouldApply(prev, next Strategy) bool {
	if prev.AggressivePreloading != next.AggressivePreloading {
		return true
	}
	if prev.MaxConcurrentLoads != next.MaxConcurrentLoads {
		return true
	}
	if prev.TargetBufferSize == 0 {
		return next.TargetBufferSize != 0
	}
	delta := float64(next.TargetBufferSize-prev.TargetBufferSize) / float64(prev.TargetBufferSize)
	if delta < 0 {
		delta = -delta
	}
	return delta > 0.20
}

// Sample derives a new strategy and reports it (with a changed flag) only
// when it passes the ShouldApply hysteresis gate against the last applied
// strategy; otherwise the previous strategy is returned unchanged.
func (a *AdaptiveController) Sample(net NetworkSample, dev DeviceSample, behavior BehaviorSample) (Strategy, bool) {
	next := Derive(net, dev, behavior)
	if !a.haveLast {
		a.last = next
		a.haveLast = true
		return next, true
	}
	if ShouldApply(a.last, next) {
		a.last = next
		return next, true
	}
	return a.last, false
}

// OnBufferUnderrun boosts min/target buffer sizes to recover from an
// observed underrun, capped at Max.
func (a *AdaptiveController) OnBufferUnderrun() Strategy {
	s := a.last
	s.MinBufferSize = boostCapped(s.MinBufferSize, 1.5, s.MaxBufferSize)
	s.TargetBufferSize = boostCapped(s.TargetBufferSize, 1.3, s.MaxBufferSize)
	a.last = s
	return s
}

func boostCapped(v int64, factor float64, cap int64) int64 {
	boosted := int64(float64(v) * factor)
	if cap > 0 && boosted > cap {
		boosted = cap
	}
	return boosted
}

// OnPoorPerformance reduces concurrency and disables aggressive preloading
// when average chunk load time exceeds a 5s threshold.
func (a *AdaptiveController) OnPoorPerformance(avgLoadTime time.Duration) Strategy {
	s := a.last
	if avgLoadTime > 5*time.Second {
		if s.MaxConcurrentLoads > 1 {
			s.MaxConcurrentLoads--
		}
		s.AggressivePreloading = false
	}
	a.last = s
	return s
}

// OnMemoryPressure shrinks buffer caches and disables aggressive preloading.
func (a *AdaptiveController) OnMemoryPressure() Strategy {
	s := a.last
	s.MaxBufferSize = shrink(s.MaxBufferSize)
	s.AggressivePreloading = false
	s.MemoryConscious = true
	a.last = s
	return s
}

// Current returns the last applied strategy.
func (a *AdaptiveController) Current() Strategy {
	return a.last
}
