// Package layout implements the Timeline Layout Engine (C6):
// instant-seek canvas reconstruction, a responsive region manager, a
// spatial-grid collision detector, and a layout cache with LRU/LFU/adaptive
// eviction.
package layout

import (
	"github.com/lessonstream/engine/internal/domain"
)

// breakpoint is one canvas-width tier.
type breakpoint struct {
	MinWidth float64
	Columns int
}

var breakpoints = []breakpoint{
	{MinWidth: 1600, Columns: 5}, // xlarge
	{MinWidth: 1200, Columns: 4}, // large
	{MinWidth: 800, Columns: 3}, // medium
	{MinWidth: 0, Columns: 2}, // small
}

func columnsFor(width float64) int {
	for _, bp := range breakpoints {
		if width >= bp.MinWidth {
			return bp.Columns
		}
	}
	return 2
}

// RegionManager holds the current frame's layout regions and tracks load as
// elements are assigned into them.
type RegionManager struct {
	width, height float64
	regions []*domain.LayoutRegion
}

// NewRegionManager builds regions for a canvasWidth/canvasHeight, following
// the breakpoint → column-count table.
func NewRegionManager(canvasWidth, canvasHeight float64) *RegionManager {
	rm := &RegionManager{width: canvasWidth, height: canvasHeight}
	rm.rebuild()
	return rm
}

// rebuild regenerates regions from scratch: 1 title (row 1), 1 main (row 2),
// N supporting regions (row 3), 1 footer — per the column count for width.
func (rm *RegionManager) rebuild() {
	cols := columnsFor(rm.width)
	rowH := rm.height / 4

	regions := []*domain.LayoutRegion{
		{
			ID: "title",
			Bounds: domain.Bounds{X: 0, Y: 0, W: rm.width, H: rowH},
			Type: domain.RegionTitle,
			Priority: 100,
			Capacity: 1,
			SemanticRoles: []string{"title"},
		},
		{
			ID: "main",
			Bounds: domain.Bounds{X: 0, Y: rowH, W: rm.width, H: rowH},
			Type: domain.RegionMain,
			Priority: 90,
			Capacity: 4,
		},
		{
			ID: "footer",
			Bounds: domain.Bounds{X: 0, Y: 3 * rowH, W: rm.width, H: rowH},
			Type: domain.RegionFooter,
			Priority: 10,
			Capacity: 2,
		},
	}

	supportingW := rm.width / float64(cols)
	for i := 0; i < cols; i++ {
		regions = append(regions, &domain.LayoutRegion{
			ID: supportingID(i),
			Bounds: domain.Bounds{X: float64(i) * supportingW, Y: 2 * rowH, W: supportingW, H: rowH},
			Type: domain.RegionSupporting,
			Priority: 50,
			Capacity: 2,
		})
	}

	rm.regions = regions
}

func supportingID(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	if i < len(letters) {
		return "supporting-" + string(letters[i])
	}
	return "supporting-extra"
}

// Resize rebuilds every region for a new canvas size, invalidating existing
// placements.
func (rm *RegionManager) Resize(width, height float64) {
	rm.width, rm.height = width, height
	rm.rebuild()
}

// Reset clears CurrentLoad on every region, for a fresh frame.
func (rm *RegionManager) Reset() {
	for _, r := range rm.regions {
		r.CurrentLoad = 0
	}
}

// Regions returns the live region set (not a copy — callers must not mutate
// Bounds/Type/Capacity, only read them).
func (rm *RegionManager) Regions() []*domain.LayoutRegion {
	return rm.regions
}

// Assign selects the highest-priority region that supports role and has
// room, falling back to any region with capacity or AllowOverflow, then
// reserves a slot in it and returns a placement position within its bounds.
func (rm *RegionManager) Assign(role string) (*domain.LayoutRegion, domain.Bounds, bool) {
	var best *domain.LayoutRegion
	for _, r := range rm.regions {
		if !r.SupportsRole(role) || !r.HasRoom() {
			continue
		}
		if best == nil || r.Priority > best.Priority {
			best = r
		}
	}
	if best == nil {
		for _, r := range rm.regions {
			if r.HasRoom() {
				if best == nil || r.Priority > best.Priority {
					best = r
				}
			}
		}
	}
	if best == nil {
		return nil, domain.Bounds{}, false
	}

	index := best.CurrentLoad
	best.CurrentLoad++
	return best, placementWithin(best, index), true
}

// placementWithin computes the slot's bounds for the index-th element
// placed into region r, laid out left-to-right and wrapped by capacity.
func placementWithin(r *domain.LayoutRegion, index int) domain.Bounds {
	cap := r.Capacity
	if cap <= 0 {
		cap = 1
	}
	slotW := r.Bounds.W / float64(cap)
	x := r.Bounds.X + float64(index%cap)*slotW
	y := r.Bounds.Y
	spacing := r.LayoutHints.Spacing
	return domain.Bounds{
		X: x + spacing/2,
		Y: y + spacing/2,
		W: slotW - spacing,
		H: r.Bounds.H - spacing,
	}
}
