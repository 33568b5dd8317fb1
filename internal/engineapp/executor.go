package engineapp

import (
	"context"
	"fmt"

	"github.com/lessonstream/engine/internal/audio"
	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/layout"
	"github.com/lessonstream/engine/internal/scheduler"
)

// defaultExecutor is the scheduler.Executor that bridges a dispatched
// timeline event to the layout engine (visual/transition/emphasis/layout)
// and audio manager (narration), the concrete backends C6/C5 already
// implement, rather than a generator/renderer the engine itself owns.
type defaultExecutor struct {
	layout   *layout.Engine
	aud      *audio.Manager
	eventsAt func(t int64) []domain.TimelineEvent
}

func newDefaultExecutor(layoutEngine *layout.Engine, audioMgr *audio.Manager, eventsAt func(int64) []domain.TimelineEvent) *defaultExecutor {
	return &defaultExecutor{layout: layoutEngine, aud: audioMgr, eventsAt: eventsAt}
}

func (e *defaultExecutor) Visual(_ context.Context, ev domain.TimelineEvent) (string, error) {
	res := e.layout.SeekToTimestamp(ev.Timestamp, e.eventsAt(ev.Timestamp))
	for _, el := range res.Elements {
		if el.EventID == ev.ID {
			return el.ID, nil
		}
	}
	return "", fmt.Errorf("executor: visual event %s produced no canvas element", ev.ID)
}

func (e *defaultExecutor) Narration(_ context.Context, ev domain.TimelineEvent, _ scheduler.NarrationRequest) (string, error) {
	chunk, err := e.aud.IngestEvent(ev)
	if err != nil {
		return "", fmt.Errorf("executor: narration event %s: %w", ev.ID, err)
	}
	return chunk.ID, nil
}

func (e *defaultExecutor) Transition(_ context.Context, ev domain.TimelineEvent, _ scheduler.TransitionRequest) error {
	e.layout.SeekToTimestamp(ev.Timestamp, e.eventsAt(ev.Timestamp))
	return nil
}

func (e *defaultExecutor) Emphasis(context.Context, domain.TimelineEvent) error {
	return nil
}

func (e *defaultExecutor) LayoutChange(_ context.Context, ev domain.TimelineEvent) error {
	e.layout.SeekToTimestamp(ev.Timestamp, e.eventsAt(ev.Timestamp))
	return nil
}

var _ scheduler.Executor = (*defaultExecutor)(nil)
