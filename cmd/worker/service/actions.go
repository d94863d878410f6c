package service

import (
	"context"
	"fmt"

	"github.com/alphauslabs/ferry/internal/queue"
	"github.com/alphauslabs/ferry/internal/states"
	"github.com/alphauslabs/ferry/internal/tracking"
)

// postAction runs after a tracker reaches a terminal state.
type postAction func(ctx context.Context, t *tracking.Tracker) error

func (s *WorkerService) buildActions(cfg map[string][]string) (map[string][]postAction, error) {
	known := map[string]postAction{
		"notify": s.notify,
		"log":    s.logOutcome,
	}

	out := make(map[string][]postAction, len(cfg))
	for outcome, names := range cfg {
		for _, name := range names {
			fn, ok := known[name]
			if !ok {
				return nil, fmt.Errorf("unknown post action %q for outcome %s", name, outcome)
			}
			out[outcome] = append(out[outcome], fn)
		}
	}
	return out, nil
}

func outcomeOf(state string) string {
	if states.IsError(state) {
		return "failed"
	}
	return "finished"
}

func (s *WorkerService) runPostActions(ctx context.Context, t *tracking.Tracker) {
	for _, fn := range s.actions[outcomeOf(t.State)] {
		if err := fn(ctx, t); err != nil {
			s.logger.Warnf("Post action for %s tracker %s failed: %v", t.Kind, t.ID, err)
		}
	}
}

func (s *WorkerService) notify(ctx context.Context, t *tracking.Tracker) error {
	return s.publisher.PublishEvent(ctx, queue.Event{
		TrackerID: t.ID,
		Type:      t.Kind,
		State:     t.State,
		Instance:  t.Instance,
		UserEmail: t.UserEmail,
	})
}

func (s *WorkerService) logOutcome(_ context.Context, t *tracking.Tracker) error {
	s.logger.Infow("tracker reached terminal state",
		"type", t.Kind,
		"tracker_id", t.ID,
		"state", t.State,
		"instance", t.Instance,
		"user", t.UserEmail,
	)
	return nil
}
