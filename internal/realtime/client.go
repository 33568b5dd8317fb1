// Package realtime implements the engine's playback-event notification bus
//: an in-process SSEHub that fans a TimelineEvent/state
// change out to every subscribed client, with an optional Redis-backed bus
// (internal/realtime/bus) for multi-process deployments.
package realtime

import (
	"github.com/google/uuid"

	"github.com/lessonstream/engine/internal/platform/logger"
)

// SSEEvent names one of the lifecycle notifications a playback controller
// can emit.
type SSEEvent string

const (
	SSEEventStateChanged SSEEvent = "stateChanged"
	SSEEventPositionChanged SSEEvent = "positionChanged"
	SSEEventBufferingStarted SSEEvent = "bufferingStarted"
	SSEEventBufferingEnded SSEEvent = "bufferingEnded"
	SSEEventSeekStarted SSEEvent = "seekStarted"
	SSEEventSeekCompleted SSEEvent = "seekCompleted"
	SSEEventReadyToPlay SSEEvent = "readyToPlay"
	SSEEventChunkReady SSEEvent = "chunkReady"
	SSEEventError SSEEvent = "error"
)

// SSEMessage is one notification addressed to a channel (a lesson/session
// id). Data carries the event-specific payload (current position, buffered
// ranges, the error string, ...).
type SSEMessage struct {
	Channel string `json:"channel"`
	Event SSEEvent `json:"event"`
	Data map[string]any `json:"data,omitempty"`
}

// SSEClient is one subscriber: a single playback session's event stream.
type SSEClient struct {
	ID uuid.UUID
	SessionID uuid.UUID
	Channels map[string]bool
	Outbound chan SSEMessage
	done chan struct{}
	Logger *logger.Logger
}
