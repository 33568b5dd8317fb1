package domain

// ElementKind enumerates the drawable primitives a layout engine can place
// on the canvas.
type ElementKind string

const (
	ElementText ElementKind = "text"
	ElementRectangle ElementKind = "rectangle"
	ElementEllipse ElementKind = "ellipse"
	ElementArrow ElementKind = "arrow"
	ElementLine ElementKind = "line"
	ElementImage ElementKind = "image"
)

// ElementStyle carries the cosmetic attributes a rendering surface needs.
// A fixed set of optional fields (fill, stroke, stroke width, opacity); the
// engine itself never interprets style values beyond passing them through.
type ElementStyle struct {
	Fill string `json:"fill,omitempty"`
	Stroke string `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Opacity float64 `json:"opacity,omitempty"`
}

// CanvasElement is an abstract drawable produced by the layout engine.
// While visible it is exclusively owned by the layout engine's current
// state; renderers receive only a borrowed snapshot per frame.
type CanvasElement struct {
	ID string `json:"id"`
	Kind ElementKind `json:"kind"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
	Style ElementStyle `json:"style"`

	// Text-only attributes.
	Text string `json:"text,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`

	// EventID names the TimelineEvent this element was produced for, used
	// to compute enter/exit transitions across seeks.
	EventID string `json:"eventId"`
}

// Clone returns a deep-enough copy of the element for defensive snapshots.
func (e CanvasElement) Clone() CanvasElement {
	return e
}

// RegionType enumerates the semantic slots a LayoutRegion can fill.
type RegionType string

const (
	RegionTitle RegionType = "title"
	RegionMain RegionType = "main"
	RegionSupporting RegionType = "supporting"
	RegionSidebar RegionType = "sidebar"
	RegionFooter RegionType = "footer"
	RegionFloating RegionType = "floating"
)

// Bounds is an axis-aligned rectangle in canvas coordinates.
type Bounds struct {
	X, Y, W, H float64
}

// Intersects reports whether two bounds overlap.
func (b Bounds) Intersects(o Bounds) bool {
	return b.X < o.X+o.W && b.X+b.W > o.X && b.Y < o.Y+o.H && b.Y+b.H > o.Y
}

// LayoutHints configures how a region places elements within itself.
type LayoutHints struct {
	AllowOverflow bool `json:"allowOverflow"`
	Alignment string `json:"alignment"` // start|center|end|stretch
	Spacing float64 `json:"spacing"`
	MaxElementSize float64 `json:"maxElementSize"`
}

// LayoutRegion is a named slot on the canvas that elements are assigned
// into.
type LayoutRegion struct {
	ID string `json:"id"`
	Bounds Bounds `json:"bounds"`
	Type RegionType `json:"type"`
	Priority int `json:"priority"` // higher = preferred first
	Capacity int `json:"capacity"`
	CurrentLoad int `json:"currentLoad"`
	SemanticRoles []string `json:"semanticRoles"`
	LayoutHints LayoutHints `json:"layoutHints"`
}

// HasRoom reports whether the region can accept one more element.
func (r LayoutRegion) HasRoom() bool {
	return r.CurrentLoad < r.Capacity || r.LayoutHints.AllowOverflow
}

// SupportsRole reports whether role is in SemanticRoles, or SemanticRoles is
// empty (a region with no declared roles accepts anything).
func (r LayoutRegion) SupportsRole(role string) bool {
	if len(r.SemanticRoles) == 0 {
		return true
	}
	for _, rr := range r.SemanticRoles {
		if rr == role {
			return true
		}
	}
	return false
}

// TransitionKind enumerates how an element entered or left visibility.
type TransitionKind string

const (
	TransitionEnter TransitionKind = "enter"
	TransitionExit TransitionKind = "exit"
)

// ElementTransition describes an element's enter/exit animation produced by
// a seek.
type ElementTransition struct {
	ElementID string `json:"elementId"`
	Kind TransitionKind `json:"kind"`
	Duration int64 `json:"duration"`
	Easing string `json:"easing"`
}

// LayoutCacheEntry is a snapshot of visible elements and region assignments
// keyed by timestamp.
type LayoutCacheEntry struct {
	Timestamp int64 `json:"timestamp"`
	Elements []CanvasElement `json:"elements"`
	RegionAssignments map[string]string `json:"regionAssignments"` // elementID -> regionID
	TransitionData []ElementTransition `json:"transitionData"`
	CreatedAt int64 `json:"createdAt"` // unix ms, caller-supplied clock
	AccessCount int `json:"accessCount"`
	ComputationTimeNS int64 `json:"computationTimeNs"`
	Compressed bool `json:"compressed,omitempty"`
	compressedPayload []byte // set when Compressed; nil otherwise
}

// Clone returns a defensive copy suitable for returning to a caller without
// risking corruption of LRU/LFU bookkeeping.
func (e LayoutCacheEntry) Clone() LayoutCacheEntry {
	out := e
	out.Elements = append([]CanvasElement(nil), e.Elements...)
	out.TransitionData = append([]ElementTransition(nil), e.TransitionData...)
	out.RegionAssignments = make(map[string]string, len(e.RegionAssignments))
	for k, v := range e.RegionAssignments {
		out.RegionAssignments[k] = v
	}
	return out
}
