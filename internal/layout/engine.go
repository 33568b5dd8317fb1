package layout

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/platform/logger"
)

// defaultTransitionDurationMS is the enter/exit transition length applied to
// elements that newly appear or disappear across a seek.
const defaultTransitionDurationMS = 300

// SeekResult is what seekToTimestamp returns.
type SeekResult struct {
	Elements []domain.CanvasElement
	Transitions []domain.ElementTransition
	SeekTime int64
}

// Config tunes cache/precache/grid behavior.
type Config struct {
	Cache CacheConfig
	CellSize float64
	PrecacheRadius int64 // ms
	PrecacheCount int // keyframes to precache per miss
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		Cache: DefaultCacheConfig(),
		CellSize: defaultCellSize,
		PrecacheRadius: 10_000,
		PrecacheCount: 3,
	}
}

// Engine is the Timeline Layout Engine (C6): instant-seek reconstruction
// plus its cache, region manager and collision detector.
type Engine struct {
	log *logger.Logger
	cfg Config

	mu sync.Mutex
	cache *Cache
	regions *RegionManager
	collisions *CollisionDetector
	lastVisible map[string]domain.CanvasElement // elementID -> element, from the previous seek
}

// New constructs an engine for a canvasWidth/canvasHeight.
func New(log *logger.Logger, cfg Config, canvasWidth, canvasHeight float64) *Engine {
	return &Engine{
		log: log.With("component", "LayoutEngine"),
		cfg: cfg,
		cache: NewCache(cfg.Cache),
		regions: NewRegionManager(canvasWidth, canvasHeight),
		collisions: NewCollisionDetector(cfg.CellSize),
		lastVisible: make(map[string]domain.CanvasElement),
	}
}

// Resize rebuilds regions and invalidates lastVisible state (existing
// placements stop being a valid "previous frame" once the canvas changes).
func (e *Engine) Resize(width, height float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regions.Resize(width, height)
	e.lastVisible = make(map[string]domain.CanvasElement)
}

// SeekToTimestamp reconstructs (or replays from cache) the canvas state at
// t, given the events active at t.
func (e *Engine) SeekToTimestamp(t int64, activeEvents []domain.TimelineEvent) SeekResult {
	start := time.Now()

	e.mu.Lock()
	if entry, ok := e.cache.Get(t); ok {
		e.mu.Unlock()
		return SeekResult{Elements: entry.Elements, Transitions: entry.TransitionData, SeekTime: t}
	}
	e.mu.Unlock()

	sort.SliceStable(activeEvents, func(i, j int) bool { return activeEvents[i].Timestamp < activeEvents[j].Timestamp })

	e.mu.Lock()
	e.regions.Reset()
	e.collisions.Reset()

	var elements []domain.CanvasElement
	regionAssignments := make(map[string]string)
	for _, ev := range activeEvents {
		for _, el := range elementsFor(ev) {
			role := string(ev.SemanticType)
			region, placement, ok := e.regions.Assign(role)
			if !ok {
				continue
			}
			placed := e.collisions.Place(placement, region.Bounds)
			el.X, el.Y, el.W, el.H = placed.X, placed.Y, placed.W, placed.H
			elements = append(elements, el)
			regionAssignments[el.ID] = region.ID
		}
	}

	transitions := e.diffTransitionsLocked(elements)

	entry := domain.LayoutCacheEntry{
		Timestamp: t,
		Elements: elements,
		RegionAssignments: regionAssignments,
		TransitionData: transitions,
		CreatedAt: time.Now().UnixMilli(),
		ComputationTimeNS: time.Since(start).Nanoseconds(),
	}
	e.cache.Set(t, entry)
	e.mu.Unlock()

	return SeekResult{Elements: elements, Transitions: transitions, SeekTime: t}
}

// diffTransitionsLocked computes enter/exit transitions against
// e.lastVisible and updates it to the new visible set. Caller must hold e.mu.
func (e *Engine) diffTransitionsLocked(elements []domain.CanvasElement) []domain.ElementTransition {
	next := make(map[string]domain.CanvasElement, len(elements))
	for _, el := range elements {
		next[el.ID] = el
	}

	var transitions []domain.ElementTransition
	for id := range next {
		if _, existed := e.lastVisible[id]; !existed {
			transitions = append(transitions, domain.ElementTransition{
				ElementID: id, Kind: domain.TransitionEnter,
				Duration: defaultTransitionDurationMS, Easing: "ease-out",
			})
		}
	}
	for id := range e.lastVisible {
		if _, stillVisible := next[id]; !stillVisible {
			transitions = append(transitions, domain.ElementTransition{
				ElementID: id, Kind: domain.TransitionExit,
				Duration: defaultTransitionDurationMS, Easing: "ease-in",
			})
		}
	}
	e.lastVisible = next
	return transitions
}

// elementsFor produces the canvas elements one active event contributes:
// always a text element, plus semantic extras keyed on SemanticType.
func elementsFor(ev domain.TimelineEvent) []domain.CanvasElement {
	text := contentText(ev)
	base := domain.CanvasElement{
		ID: ev.ID,
		Kind: domain.ElementText,
		Text: text,
		FontSize: fontSizeFor(text),
		EventID: ev.ID,
	}
	out := []domain.CanvasElement{base}

	switch ev.SemanticType {
	case domain.SemanticProcess:
		out = append(out, domain.CanvasElement{ID: ev.ID + "-arrow", Kind: domain.ElementArrow, EventID: ev.ID})
	case domain.SemanticComparison:
		out = append(out,
			domain.CanvasElement{ID: ev.ID + "-rect-a", Kind: domain.ElementRectangle, EventID: ev.ID},
			domain.CanvasElement{ID: ev.ID + "-rect-b", Kind: domain.ElementRectangle, EventID: ev.ID},
		)
	case domain.SemanticDefinition:
		out = append(out,
			domain.CanvasElement{ID: ev.ID + "-highlight", Kind: domain.ElementRectangle, EventID: ev.ID,
				Style: domain.ElementStyle{Fill: "highlight"}},
		)
	case domain.SemanticConceptMap:
		out = append(out,
			domain.CanvasElement{ID: ev.ID + "-node-a", Kind: domain.ElementEllipse, EventID: ev.ID},
			domain.CanvasElement{ID: ev.ID + "-node-b", Kind: domain.ElementEllipse, EventID: ev.ID},
			domain.CanvasElement{ID: ev.ID + "-edge", Kind: domain.ElementArrow, EventID: ev.ID},
		)
	}
	return out
}

func contentText(ev domain.TimelineEvent) string {
	switch {
	case ev.Narration != nil:
		return ev.Narration.Text
	case ev.Visual != nil:
		return ev.Visual.ElementType
	case ev.Transition != nil:
		return ev.Transition.Type
	default:
		return ""
	}
}

// fontSizeFor scales text size inversely with content length, within a
// readable range.
func fontSizeFor(text string) float64 {
	n := len(text)
	switch {
	case n == 0:
		return 16
	case n < 40:
		return 28
	case n < 120:
		return 20
	default:
		return 16
	}
}

// Precache asynchronously (in background goroutines, each started 5ms later
// than the one before) computes
// layouts for up to PrecacheCount keyframe timestamps within
// ±PrecacheRadius of t, using eventsAt to fetch each keyframe's active
// events.
func (e *Engine) Precache(t int64, keyframes []int64, eventsAt func(int64) []domain.TimelineEvent) {
	count := 0
	for _, kf := range keyframes {
		if count >= e.cfg.PrecacheCount {
			return
		}
		dist := kf - t
		if dist < 0 {
			dist = -dist
		}
		if dist > e.cfg.PrecacheRadius || dist == 0 {
			continue
		}
		count++
		go func(kf int64, n int) {
			time.Sleep(time.Duration(n) * 5 * time.Millisecond)
			e.SeekToTimestamp(kf, eventsAt(kf))
		}(kf, count)
	}
}

// Optimize runs the cache's compression/eviction pass using approxSizeOf to
// value each entry. Exported so a caller holding only the Engine (not its
// private Cache) can drive the periodic optimize pass.
func (e *Engine) Optimize(approxSizeOf func(domain.LayoutCacheEntry) int64) {
	e.cache.Optimize(approxSizeOf)
}

// CacheLen exposes the live cache size for diagnostics/tests.
func (e *Engine) CacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Len()
}

// Validate reports whether an element is structurally sound; it checks
// only that the element has an ID.
func Validate(el domain.CanvasElement) error {
	if el.ID == "" {
		return fmt.Errorf("layout: %w: element id required", domain.ErrValidation)
	}
	return nil
}
