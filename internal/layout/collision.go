package layout

import (
	"math"
	"math/rand"

	"github.com/lessonstream/engine/internal/domain"
)

// defaultCellSize is the uniform spatial-grid cell size used to bucket
// elements for fast overlap queries.
const defaultCellSize = 80.0

const (
	maxPlacementAttempts = 16
	spiralStep = 12.0
)

type cellKey struct{ cx, cy int }

// CollisionDetector places elements without overlap using a spatial grid
// and avoidance-vector nudging, spiraling outward when nudging stalls.
type CollisionDetector struct {
	cellSize float64
	grid map[cellKey][]domain.Bounds
}

// NewCollisionDetector constructs an empty detector. cellSize <= 0 uses
// defaultCellSize.
func NewCollisionDetector(cellSize float64) *CollisionDetector {
	if cellSize <= 0 {
		cellSize = defaultCellSize
	}
	return &CollisionDetector{cellSize: cellSize, grid: make(map[cellKey][]domain.Bounds)}
}

// Reset clears the grid for a fresh frame.
func (d *CollisionDetector) Reset() {
	d.grid = make(map[cellKey][]domain.Bounds)
}

func (d *CollisionDetector) cellsFor(b domain.Bounds) []cellKey {
	x0 := int(math.Floor(b.X / d.cellSize))
	y0 := int(math.Floor(b.Y / d.cellSize))
	x1 := int(math.Floor((b.X + b.W) / d.cellSize))
	y1 := int(math.Floor((b.Y + b.H) / d.cellSize))
	var keys []cellKey
	for cx := x0; cx <= x1; cx++ {
		for cy := y0; cy <= y1; cy++ {
			keys = append(keys, cellKey{cx, cy})
		}
	}
	return keys
}

// overlapping returns every previously-placed bounds that intersects b.
func (d *CollisionDetector) overlapping(b domain.Bounds) []domain.Bounds {
	seen := make(map[domain.Bounds]bool)
	var out []domain.Bounds
	for _, key := range d.cellsFor(b) {
		for _, other := range d.grid[key] {
			if other.Intersects(b) && !seen[other] {
				seen[other] = true
				out = append(out, other)
			}
		}
	}
	return out
}

// insert registers b in the grid so later Place calls see it as an obstacle.
func (d *CollisionDetector) insert(b domain.Bounds) {
	for _, key := range d.cellsFor(b) {
		d.grid[key] = append(d.grid[key], b)
	}
}

func overlapArea(a, b domain.Bounds) float64 {
	x := math.Min(a.X+a.W, b.X+b.W) - math.Max(a.X, b.X)
	y := math.Min(a.Y+a.H, b.Y+b.H) - math.Max(a.Y, b.Y)
	if x <= 0 || y <= 0 {
		return 0
	}
	return x * y
}

// avoidanceVector returns a displacement for moving `b` away from `obstacle`,
// normalized and scaled by inverse distance between centers; jittered when
// centers coincide to break ties deterministically-randomly.
func avoidanceVector(b, obstacle domain.Bounds) (dx, dy float64) {
	bcx, bcy := b.X+b.W/2, b.Y+b.H/2
	ocx, ocy := obstacle.X+obstacle.W/2, obstacle.Y+obstacle.H/2
	dx, dy = bcx-ocx, bcy-ocy
	dist := math.Hypot(dx, dy)
	if dist < 0.001 {
		angle := rand.Float64() * 2 * math.Pi
		dx, dy = math.Cos(angle), math.Sin(angle)
		dist = 1
	} else {
		dx, dy = dx/dist, dy/dist
	}
	scale := 1.0 / math.Max(dist, 1)
	return dx * scale * d_avoidanceStrength, dy * scale * d_avoidanceStrength
}

const d_avoidanceStrength = 24.0

// score combines overlap-area penalty with an out-of-region penalty; lower
// is better.
func score(b domain.Bounds, region domain.Bounds, obstacles []domain.Bounds) float64 {
	var total float64
	for _, ob := range obstacles {
		total += overlapArea(b, ob) * 1.5
	}
	if !region.Intersects(b) || b.X < region.X || b.Y < region.Y ||
		b.X+b.W > region.X+region.W || b.Y+b.H > region.Y+region.H {
		total += 500
	}
	return total
}

// Place attempts up to maxPlacementAttempts nudges of candidate within
// region to minimize overlap with existing obstacles, then registers the
// final bounds in the grid and returns it.
func (d *CollisionDetector) Place(candidate domain.Bounds, region domain.Bounds) domain.Bounds {
	best := candidate
	bestScore := score(candidate, region, d.overlapping(candidate))

	cur := candidate
	noProgress := 0
	for attempt := 0; attempt < maxPlacementAttempts; attempt++ {
		obstacles := d.overlapping(cur)
		if len(obstacles) == 0 {
			best = cur
			bestScore = 0
			break
		}

		var dx, dy float64
		for _, ob := range obstacles {
			adx, ady := avoidanceVector(cur, ob)
			dx += adx
			dy += ady
		}
		next := domain.Bounds{X: cur.X + dx, Y: cur.Y + dy, W: cur.W, H: cur.H}
		nextScore := score(next, region, d.overlapping(next))

		if nextScore < bestScore {
			best, bestScore = next, nextScore
			cur = next
			noProgress = 0
		} else {
			noProgress++
			if noProgress >= 3 {
				// Spiral outward when nudging stalls (spec "on no-progress
				// it spirals outward").
				angle := float64(attempt) * 2.4
				radius := spiralStep * float64(attempt)
				cur = domain.Bounds{
					X: candidate.X + radius*math.Cos(angle),
					Y: candidate.Y + radius*math.Sin(angle),
					W: candidate.W,
					H: candidate.H,
				}
			} else {
				cur = next
			}
		}
	}

	d.insert(best)
	return best
}
