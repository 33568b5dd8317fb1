package coordinator

import (
	"sort"
	"strings"

	"github.com/lessonstream/engine/internal/domain"
)

// LessonContext is the on-demand consolidation of recent chunks' events
// used to feed back into content generation.
type LessonContext struct {
	EntityFrequencies map[string]int
	Relationships []string
	VisualThemes []string
	NarrativeThread string
}

// ContinuityHint flags a generator-facing concern derived from recent
// chunks: repeated content (overlap) vs. a bridge the next chunk should make.
type ContinuityHint struct {
	Kind string // narrative | conceptual | visual | knowledge_level | transition
	Message string
	Overlap float64
	Bridging bool
}

// ExtractContext consolidates the last n chunks (by ChunkNumber) into a
// LessonContext. Computed on demand, never cached.
func (c *Coordinator) ExtractContext(lastN int) LessonContext {
	chunks := c.recentChunks(lastN)

	entityFreq := make(map[string]int)
	relSeen := make(map[string]bool)
	var relationships []string
	themeSeen := make(map[string]bool)
	var themes []string
	var summaries []string

	for _, chunk := range chunks {
		for _, concept := range chunk.Metadata.ConceptsIntroduced {
			entityFreq[concept]++
		}
		if chunk.Metadata.Summary != "" {
			summaries = append(summaries, chunk.Metadata.Summary)
		}
		for _, ev := range chunk.Events {
			if ev.Visual != nil && ev.Visual.ElementType != "" && !themeSeen[ev.Visual.ElementType] {
				themeSeen[ev.Visual.ElementType] = true
				themes = append(themes, ev.Visual.ElementType)
			}
			for _, dep := range ev.Dependencies {
				key := ev.ID + "->" + dep
				if !relSeen[key] {
					relSeen[key] = true
					relationships = append(relationships, key)
				}
			}
		}
	}

	return LessonContext{
		EntityFrequencies: entityFreq,
		Relationships: relationships,
		VisualThemes: themes,
		NarrativeThread: strings.Join(summaries, " "),
	}
}

// recentChunks returns the last n chunks by ChunkNumber, oldest first.
func (c *Coordinator) recentChunks(n int) []domain.Chunk {
	ordered := c.OrderedChunks()
	if n <= 0 || n >= len(ordered) {
		return ordered
	}
	return ordered[len(ordered)-n:]
}

// DefaultConceptOverlapThreshold is a hand-chosen 0.3; ContinuityHints
// falls back to it when its threshold argument is not positive.
const DefaultConceptOverlapThreshold = 0.3

// ContinuityHints generates hints from the last n chunks, scoring repetition
// vs. bridging against threshold. A threshold <= 0 uses
// DefaultConceptOverlapThreshold.
func (c *Coordinator) ContinuityHints(lastN int, threshold float64) []ContinuityHint {
	if threshold <= 0 {
		threshold = DefaultConceptOverlapThreshold
	}
	chunks := c.recentChunks(lastN)
	if len(chunks) < 2 {
		return nil
	}

	var hints []ContinuityHint
	prev := chunks[:len(chunks)-1]
	last := chunks[len(chunks)-1]

	prevConcepts := make(map[string]int)
	for _, chunk := range prev {
		for _, concept := range chunk.Metadata.ConceptsIntroduced {
			prevConcepts[concept]++
		}
	}
	lastConcepts := make(map[string]bool)
	for _, concept := range last.Metadata.ConceptsIntroduced {
		lastConcepts[concept] = true
	}

	overlap := conceptOverlap(prevConcepts, lastConcepts)
	bridging := overlap < threshold
	if overlap >= threshold {
		hints = append(hints, ContinuityHint{
			Kind: "conceptual",
			Message: "recent concepts repeat without new material; consider introducing a bridge",
			Overlap: overlap,
			Bridging: false,
		})
	} else {
		hints = append(hints, ContinuityHint{
			Kind: "conceptual",
			Message: "concept set has shifted; continuity hint satisfied by current bridging",
			Overlap: overlap,
			Bridging: bridging,
		})
	}

	visualOverlap := visualThemeOverlap(prev, last)
	hints = append(hints, ContinuityHint{
		Kind: "visual",
		Message: "visual theme continuity score",
		Overlap: visualOverlap,
		Bridging: visualOverlap < threshold,
	})

	return hints
}

// conceptOverlap scores how much of lastConcepts already appeared in
// prevConcepts: |intersection| / |lastConcepts|, 0 when lastConcepts is
// empty.
func conceptOverlap(prevConcepts map[string]int, lastConcepts map[string]bool) float64 {
	if len(lastConcepts) == 0 {
		return 0
	}
	shared := 0
	for concept := range lastConcepts {
		if prevConcepts[concept] > 0 {
			shared++
		}
	}
	return float64(shared) / float64(len(lastConcepts))
}

// visualThemeOverlap scores how many of last's visual element types also
// appeared across prev.
func visualThemeOverlap(prev []domain.Chunk, last domain.Chunk) float64 {
	prevThemes := make(map[string]bool)
	for _, chunk := range prev {
		for _, ev := range chunk.Events {
			if ev.Visual != nil {
				prevThemes[ev.Visual.ElementType] = true
			}
		}
	}
	lastThemes := make(map[string]bool)
	for _, ev := range last.Events {
		if ev.Visual != nil {
			lastThemes[ev.Visual.ElementType] = true
		}
	}
	if len(lastThemes) == 0 {
		return 0
	}
	shared := 0
	for theme := range lastThemes {
		if prevThemes[theme] {
			shared++
		}
	}
	return float64(shared) / float64(len(lastThemes))
}

// topEntities returns the n most frequent entities, descending, for
// downstream graph export.
func topEntities(freq map[string]int, n int) []string {
	type kv struct {
		k string
		v int
	}
	all := make([]kv, 0, len(freq))
	for k, v := range freq {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].v > all[j].v })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.k
	}
	return out
}
