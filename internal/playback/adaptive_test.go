package playback

import (
	"testing"
	"time"
)

func TestDeriveSlowNetworkIncreasesMinBuffer(t *testing.T) {
	s := Derive(NetworkSample{EffectiveType: "2g"}, DeviceSample{Memory: MemoryNormal}, BehaviorSample{})
	if s.MinBufferSize < 8_000 {
		t.Fatalf("MinBufferSize = %d, want >= 8000 on 2g", s.MinBufferSize)
	}
	if s.MaxConcurrentLoads != 1 {
		t.Fatalf("MaxConcurrentLoads = %d, want 1 on 2g", s.MaxConcurrentLoads)
	}
}

func TestDeriveSaveDataCapsTarget(t *testing.T) {
	s := Derive(NetworkSample{EffectiveType: "4g", SaveData: true}, DeviceSample{Memory: MemoryNormal}, BehaviorSample{})
	if s.TargetBufferSize > 10_000 {
		t.Fatalf("TargetBufferSize = %d, want <= 10000 with SaveData", s.TargetBufferSize)
	}
	if s.AggressivePreloading {
		t.Fatalf("expected AggressivePreloading false with SaveData")
	}
}

func TestDeriveCriticalMemoryShrinksMax(t *testing.T) {
	s := Derive(NetworkSample{EffectiveType: "4g"}, DeviceSample{Memory: MemoryCritical}, BehaviorSample{})
	if s.MaxBufferSize > 10_000 {
		t.Fatalf("MaxBufferSize = %d, want <= 10000 under critical memory", s.MaxBufferSize)
	}
	if s.MaxConcurrentLoads != 1 {
		t.Fatalf("MaxConcurrentLoads = %d, want 1 under critical memory", s.MaxConcurrentLoads)
	}
	if !s.MemoryConscious {
		t.Fatalf("expected MemoryConscious true under critical memory")
	}
}

func TestDeriveHighSeekFrequencyEnablesAggressivePreloading(t *testing.T) {
	s := Derive(NetworkSample{EffectiveType: "3g"}, DeviceSample{Memory: MemoryNormal}, BehaviorSample{SeekFrequency: 10})
	if !s.AggressivePreloading {
		t.Fatalf("expected AggressivePreloading true under high seek frequency")
	}
}

func TestClampKeepsMinLEqualTarget(t *testing.T) {
	s := Derive(NetworkSample{EffectiveType: "2g"}, DeviceSample{Memory: MemoryCritical}, BehaviorSample{CompletionRate: 0.1})
	if s.MinBufferSize > s.TargetBufferSize {
		t.Fatalf("MinBufferSize %d > TargetBufferSize %d", s.MinBufferSize, s.TargetBufferSize)
	}
	if s.TargetBufferSize > s.MaxBufferSize {
		t.Fatalf("TargetBufferSize %d > MaxBufferSize %d", s.TargetBufferSize, s.MaxBufferSize)
	}
}

func TestShouldApplyHysteresis(t *testing.T) {
	prev := Strategy{TargetBufferSize: 20_000, MaxConcurrentLoads: 2}
	small := Strategy{TargetBufferSize: 21_000, MaxConcurrentLoads: 2}
	big := Strategy{TargetBufferSize: 30_000, MaxConcurrentLoads: 2}

	if ShouldApply(prev, small) {
		t.Fatalf("expected small change to not pass hysteresis gate")
	}
	if !ShouldApply(prev, big) {
		t.Fatalf("expected >20%% change to pass hysteresis gate")
	}

	flip := prev
	flip.AggressivePreloading = !prev.AggressivePreloading
	if !ShouldApply(prev, flip) {
		t.Fatalf("expected flag flip to pass hysteresis gate regardless of target delta")
	}
}

func TestAdaptiveControllerSampleAppliesOnlyPastHysteresis(t *testing.T) {
	a := NewAdaptiveController()

	s1, changed1 := a.Sample(NetworkSample{EffectiveType: "4g"}, DeviceSample{Memory: MemoryNormal}, BehaviorSample{})
	if !changed1 {
		t.Fatalf("expected first sample to always apply")
	}

	_, changed2 := a.Sample(NetworkSample{EffectiveType: "4g"}, DeviceSample{Memory: MemoryNormal}, BehaviorSample{})
	if changed2 {
		t.Fatalf("expected identical resample to not re-apply")
	}

	s3, changed3 := a.Sample(NetworkSample{EffectiveType: "2g"}, DeviceSample{Memory: MemoryCritical}, BehaviorSample{})
	if !changed3 {
		t.Fatalf("expected drastically different sample to apply")
	}
	if s3.TargetBufferSize == s1.TargetBufferSize {
		t.Fatalf("expected strategy to actually change")
	}
}

func TestOnBufferUnderrunBoostsWithinCap(t *testing.T) {
	a := NewAdaptiveController()
	a.Sample(NetworkSample{EffectiveType: "4g"}, DeviceSample{Memory: MemoryNormal}, BehaviorSample{})
	before := a.Current()

	after := a.OnBufferUnderrun()

	if after.MinBufferSize <= before.MinBufferSize {
		t.Fatalf("expected MinBufferSize to increase after underrun")
	}
	if after.MinBufferSize > after.MaxBufferSize {
		t.Fatalf("boosted MinBufferSize %d exceeds MaxBufferSize %d", after.MinBufferSize, after.MaxBufferSize)
	}
}

func TestOnPoorPerformanceReducesConcurrency(t *testing.T) {
	a := NewAdaptiveController()
	a.Sample(NetworkSample{EffectiveType: "4g"}, DeviceSample{Memory: MemoryNormal}, BehaviorSample{})
	before := a.Current().MaxConcurrentLoads

	after := a.OnPoorPerformance(6 * time.Second)

	if after.MaxConcurrentLoads >= before {
		t.Fatalf("expected concurrency to drop after poor performance, before=%d after=%d", before, after.MaxConcurrentLoads)
	}
	if after.AggressivePreloading {
		t.Fatalf("expected AggressivePreloading disabled after poor performance")
	}
}

func TestOnMemoryPressureShrinksAndMarksConscious(t *testing.T) {
	a := NewAdaptiveController()
	a.Sample(NetworkSample{EffectiveType: "4g"}, DeviceSample{Memory: MemoryNormal}, BehaviorSample{})
	before := a.Current().MaxBufferSize

	after := a.OnMemoryPressure()

	if after.MaxBufferSize >= before {
		t.Fatalf("expected MaxBufferSize to shrink under memory pressure")
	}
	if !after.MemoryConscious {
		t.Fatalf("expected MemoryConscious true after memory pressure")
	}
}
