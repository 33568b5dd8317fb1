package engineapp

import (
	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/pregen"
	"github.com/lessonstream/engine/internal/queue"
)

// toQueuePriority maps the domain's shared urgency band onto the generic
// priority queue's ordering enum (C1 is generic; its Priority has no notion
// of the playback domain).
func toQueuePriority(p domain.Priority) queue.Priority {
	switch p {
	case domain.PriorityCritical:
		return queue.PriorityCritical
	case domain.PriorityHigh:
		return queue.PriorityHigh
	case domain.PriorityMedium, domain.PriorityNormal:
		return queue.PriorityNormal
	case domain.PriorityLow:
		return queue.PriorityLow
	default:
		return queue.PriorityIdle
	}
}

// toRequestPriority maps the domain's urgency band onto the pre-generation
// pipeline's own priority vocabulary.
func toRequestPriority(p domain.Priority) pregen.RequestPriority {
	switch p {
	case domain.PriorityCritical:
		return pregen.PriorityImmediate
	case domain.PriorityHigh:
		return pregen.PriorityHigh
	case domain.PriorityMedium, domain.PriorityNormal:
		return pregen.PriorityMedium
	case domain.PriorityLow:
		return pregen.PriorityLow
	default:
		return pregen.PriorityBackground
	}
}
