package service

import (
	"context"
	"fmt"
	"time"

	"github.com/alphauslabs/ferry/internal/states"
	"github.com/alphauslabs/ferry/internal/tracking"
)

// StartStuckSweeper periodically reports trackers that sit in a running
// state with no live lease. It never changes them; recovery is a requeue.
func (s *WorkerService) StartStuckSweeper(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 || s.cfg.StuckAfter <= 0 {
		s.logger.Infof("Stuck tracker sweeper disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Infof("Stuck tracker sweeper stopped")
				return
			case <-ticker.C:
				if _, err := s.SweepStuck(ctx); err != nil {
					s.logger.Warnf("Stuck tracker sweep failed: %v", err)
				}
			}
		}
	}()
}

// SweepStuck returns the stuck trackers of both kinds and updates the
// ferry_stuck_trackers gauge.
func (s *WorkerService) SweepStuck(ctx context.Context) ([]*tracking.Tracker, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.StuckAfter)

	var stuck []*tracking.Tracker
	for _, kind := range []states.Kind{states.KindExport, states.KindImport} {
		n := 0
		for _, state := range states.Running(kind) {
			ts, err := s.tracking.List(ctx, kind, tracking.Filter{State: state})
			if err != nil {
				return nil, fmt.Errorf("failed to list %s trackers in %s: %w", kind, state, err)
			}
			for _, t := range ts {
				if !t.UpdateTime.Before(cutoff) || leaseLive(t, now) {
					continue
				}
				s.logger.Warnf("%s tracker %s stuck in %s since %s", t.Kind, t.ID, t.State, t.UpdateTime.Format(time.RFC3339))
				stuck = append(stuck, t)
				n++
			}
		}
		s.metrics.Stuck.WithLabelValues(string(kind)).Set(float64(n))
	}
	return stuck, nil
}

func leaseLive(t *tracking.Tracker, now time.Time) bool {
	return t.LeaseOwner != nil && *t.LeaseOwner != "" &&
		t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}
