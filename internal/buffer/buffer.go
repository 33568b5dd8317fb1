// Package buffer implements the Progressive Buffer Manager (C4):
// tracks contiguous time regions that are ready to play, gates playback
// readiness, serves seek-buffered checks, and evicts stale regions under
// memory pressure.
package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/platform/logger"
)

// regionKeyQuantum is the time-bucket size buffer regions are keyed by,
// quantized to 5s.
const regionKeyQuantum = 5000

// Config tunes buffering thresholds.
type Config struct {
	TargetBuffer int64 // ms; bufferLevel is capped at this
	MinStartBuffer int64 // ms; playback readiness threshold
	UrgentThreshold int64 // ms; below this emits bufferUrgent
	MaxAge time.Duration // default 5m; LastAccessed age eviction bound
	MaxBuffer int64 // ms distance-from-position eviction bound
	CleanupThreshold float64 // memoryUsage fraction that triggers cleanup
	CleanupInterval time.Duration
	MaxMemoryBytes int64 // budget ApproxMemoryBytes is compared against to derive the memoryUsage fraction
}

// DefaultConfig provides sane defaults for a ~20s target buffer deployment.
func DefaultConfig() Config {
	return Config{
		TargetBuffer: 20_000,
		MinStartBuffer: 3_000,
		UrgentThreshold: 2_000,
		MaxAge: 5 * time.Minute,
		MaxBuffer: 60_000,
		CleanupThreshold: 0.8,
		CleanupInterval: 30 * time.Second,
		MaxMemoryBytes: 8 * 1024 * 1024,
	}
}

// MemoryUsageFraction reports ApproxMemoryBytes as a fraction of
// MaxMemoryBytes, clamped to [0, 1]; this is the value a caller should pass
// as Cleanup's memoryUsage argument. A non-positive MaxMemoryBytes disables
// the fraction (always reports 0, i.e. cleanup never triggers on memory
// pressure, only the stale-priority decay still runs).
func (m *Manager) MemoryUsageFraction() float64 {
	m.mu.Lock()
	budget := m.cfg.MaxMemoryBytes
	m.mu.Unlock()
	if budget <= 0 {
		return 0
	}
	used := m.ApproxMemoryBytes()
	frac := float64(used) / float64(budget)
	if frac > 1 {
		frac = 1
	}
	return frac
}

// EventListener receives buffer manager lifecycle notifications
// (playbackReady, seekBlocked, bufferUrgent).
type EventListener func(name string, data map[string]any)

// Manager holds the set of buffer regions for one lesson.
type Manager struct {
	log *logger.Logger
	cfg Config
	listener EventListener

	mu sync.Mutex
	regions map[int64]*domain.BufferRegion // keyed by quantized bucket of Start
	wasReady map[int64]bool // position-bucket -> last readiness seen, for edge-triggered playbackReady
}

// New constructs an empty manager.
func New(log *logger.Logger, cfg Config, listener EventListener) *Manager {
	if listener == nil {
		listener = func(string, map[string]any) {}
	}
	return &Manager{
		log: log.With("component", "BufferManager"),
		cfg: cfg,
		listener: listener,
		regions: make(map[int64]*domain.BufferRegion),
		wasReady: make(map[int64]bool),
	}
}

// ApplyStrategy updates the live target/max buffer levels the manager
// computes readiness and urgency against, without disturbing any already
// ingested region. The adaptive buffer controller (C8) calls this when a
// new environment-driven strategy passes its hysteresis gate.
func (m *Manager) ApplyStrategy(targetMS, maxMS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if targetMS > 0 {
		m.cfg.TargetBuffer = targetMS
	}
	if maxMS > 0 {
		m.cfg.MaxBuffer = maxMS
	}
}

func quantize(t int64) int64 {
	return (t / regionKeyQuantum) * regionKeyQuantum
}

// IngestChunk merges a chunk's covered range into the buffer, extending or
// creating a region as needed.
func (m *Manager) IngestChunk(chunk domain.Chunk) {
	start, end := chunk.StartTimeOffset, chunk.EndTime()
	key := quantize(start)

	m.mu.Lock()
	defer m.mu.Unlock()

	region, ok := m.regions[key]
	if !ok {
		m.regions[key] = &domain.BufferRegion{
			Start: start,
			End: end,
			SourceChunks: []string{chunk.ChunkID},
			Status: domain.RegionReady,
			Priority: domain.PriorityMedium,
			LastAccessed: time.Now(),
		}
		return
	}
	if start < region.Start {
		region.Start = start
	}
	if end > region.End {
		region.End = end
	}
	region.SourceChunks = append(region.SourceChunks, chunk.ChunkID)
	region.Status = domain.RegionReady
	region.LastAccessed = time.Now()
}

// bufferLevelLocked computes maxRegion{region.End - p : region ready,
// region.Start <= p <= region.End}, capped at TargetBuffer. Caller must
// hold m.mu.
func (m *Manager) bufferLevelLocked(p int64) int64 {
	var best int64
	for _, r := range m.regions {
		if r.Status != domain.RegionReady {
			continue
		}
		if p < r.Start || p > r.End {
			continue
		}
		level := r.End - p
		if level > best {
			best = level
		}
	}
	if m.cfg.TargetBuffer > 0 && best > m.cfg.TargetBuffer {
		best = m.cfg.TargetBuffer
	}
	return best
}

// BufferLevel returns the ready-region runway ahead of position p.
func (m *Manager) BufferLevel(p int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bufferLevelLocked(p)
}

// IsReady reports whether bufferLevel(p) >= MinStartBuffer, emitting
// playbackReady on the p->ready transition.
func (m *Manager) IsReady(p int64) bool {
	m.mu.Lock()
	level := m.bufferLevelLocked(p)
	ready := level >= m.cfg.MinStartBuffer
	bucket := quantize(p)
	wasReady := m.wasReady[bucket]
	m.wasReady[bucket] = ready
	m.mu.Unlock()

	if ready && !wasReady {
		m.listener("playbackReady", map[string]any{"position": p, "bufferLevel": level})
	}
	return ready
}

// IsBuffered reports whether every point in [start, end] is covered by a
// single ready region (used by the playback controller's seek gate).
func (m *Manager) IsBuffered(start, end int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.Status == domain.RegionReady && r.Start <= start && r.End >= end {
			return true
		}
	}
	return false
}

// Seek reports whether p is sufficiently buffered to play from immediately.
// When not, it emits seekBlocked with the nearest region and marks the
// region around p as high priority to trigger urgent loading.
func (m *Manager) Seek(p int64) bool {
	m.mu.Lock()
	level := m.bufferLevelLocked(p)
	ready := level >= m.cfg.MinStartBuffer
	var nearest *domain.BufferRegion
	if !ready {
		nearest = m.nearestRegionLocked(p)
		key := quantize(p)
		if existing, ok := m.regions[key]; ok {
			existing.Priority = domain.PriorityHigh
		} else {
			m.regions[key] = &domain.BufferRegion{
				Start: p,
				End: p,
				Status: domain.RegionLoading,
				Priority: domain.PriorityHigh,
			}
		}
	}
	m.mu.Unlock()

	if !ready {
		data := map[string]any{"position": p}
		if nearest != nil {
			data["nearestStart"] = nearest.Start
			data["nearestEnd"] = nearest.End
		}
		m.listener("seekBlocked", data)
	}
	return ready
}

func (m *Manager) nearestRegionLocked(p int64) *domain.BufferRegion {
	var best *domain.BufferRegion
	var bestDist int64 = -1
	for _, r := range m.regions {
		var dist int64
		switch {
		case p < r.Start:
			dist = r.Start - p
		case p > r.End:
			dist = p - r.End
		default:
			dist = 0
		}
		if bestDist == -1 || dist < bestDist {
			bestDist = dist
			best = r
		}
	}
	return best
}

// CheckUrgent emits bufferUrgent when bufferLevel(currentPosition) falls
// below UrgentThreshold.
func (m *Manager) CheckUrgent(currentPosition int64) bool {
	level := m.BufferLevel(currentPosition)
	urgent := level < m.cfg.UrgentThreshold
	if urgent {
		m.listener("bufferUrgent", map[string]any{"position": currentPosition, "bufferLevel": level})
	}
	return urgent
}

// EventsInRange returns unique events (de-duplicated by id) from ready
// regions overlapping [a, b], sorted by timestamp. events is the full
// candidate set (typically the coordinator's EventsInRange output); this
// method filters it down to what's actually buffered.
func (m *Manager) EventsInRange(a, b int64, events []domain.TimelineEvent) []domain.TimelineEvent {
	m.mu.Lock()
	var readyRanges []domain.BufferRegion
	for _, r := range m.regions {
		if r.Status == domain.RegionReady && r.Overlaps(a, b) {
			readyRanges = append(readyRanges, *r)
		}
	}
	m.mu.Unlock()

	seen := make(map[string]bool)
	var out []domain.TimelineEvent
	for _, ev := range events {
		if !ev.Overlaps(a, b) || seen[ev.ID] {
			continue
		}
		for _, r := range readyRanges {
			if ev.Timestamp >= r.Start && ev.End() <= r.End {
				seen[ev.ID] = true
				out = append(out, ev)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func distanceFromLocked(r *domain.BufferRegion, currentPosition int64) int64 {
	distance := currentPosition - r.End
	if distance < 0 {
		distance = r.Start - currentPosition
	}
	return distance
}

// decayStaleLocked demotes by one priority band every region whose
// LastAccessed age exceeds MaxAge and whose distance from currentPosition
// exceeds MaxBuffer — i.e. regions that have drifted outside the buffer's
// own retention window regardless of whether memory pressure has actually
// been observed yet. Caller must hold m.mu. Runs every Cleanup call so a
// region's priority keeps sinking tick over tick until it reaches Low/Idle
// and becomes eligible for eviction once memory pressure does trip.
func (m *Manager) decayStaleLocked(currentPosition int64, now time.Time) {
	for _, r := range m.regions {
		age := now.Sub(r.LastAccessed)
		if age > m.cfg.MaxAge && distanceFromLocked(r, currentPosition) > m.cfg.MaxBuffer {
			r.Priority = r.Priority.Demote()
		}
	}
}

// Cleanup demotes stale regions (see decayStaleLocked) and then, once
// memoryUsage (an external estimate, 0..1) is at/above CleanupThreshold,
// evicts whichever of them have sunk to Low or Idle priority and still
// exceed MaxAge/MaxBuffer.
func (m *Manager) Cleanup(currentPosition int64, memoryUsage float64) []int64 {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decayStaleLocked(currentPosition, now)

	if memoryUsage < m.cfg.CleanupThreshold {
		return nil
	}

	var evicted []int64
	for key, r := range m.regions {
		age := now.Sub(r.LastAccessed)
		stale := r.Priority == domain.PriorityLow || r.Priority == domain.PriorityIdle
		if age > m.cfg.MaxAge && distanceFromLocked(r, currentPosition) > m.cfg.MaxBuffer && stale {
			delete(m.regions, key)
			evicted = append(evicted, key)
		}
	}
	return evicted
}

// approxSizeBytes estimates a region's resident memory cost: its chunk-id
// slice plus a fixed per-region bookkeeping overhead. Used by callers that
// need to turn a set of regions into the memoryUsage fraction Cleanup
// expects, without this package needing to know the process's total memory
// budget itself.
func approxSizeBytes(r *domain.BufferRegion) int64 {
	size := int64(128) // Start/End/Status/Priority/LastAccessed plus map/slice headers
	for _, id := range r.SourceChunks {
		size += int64(len(id)) + 16
	}
	return size
}

// ApproxMemoryBytes sums approxSizeBytes across every tracked region, for a
// caller (Session) to compare against a configured byte budget and derive
// the memoryUsage fraction Cleanup needs.
func (m *Manager) ApproxMemoryBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, r := range m.regions {
		total += approxSizeBytes(r)
	}
	return total
}

// Touch updates a region's LastAccessed, used by callers that read a region
// directly (e.g. layout cache lookups keyed to the same timestamp).
func (m *Manager) Touch(t int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.regions[quantize(t)]; ok {
		r.LastAccessed = time.Now()
	}
}

// Regions returns a snapshot of all buffer regions, for diagnostics.
func (m *Manager) Regions() []domain.BufferRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.BufferRegion, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
