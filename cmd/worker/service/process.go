package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alphauslabs/ferry/internal/queue"
	"github.com/alphauslabs/ferry/internal/states"
	"github.com/alphauslabs/ferry/internal/tracking"
)

// Message outcomes recorded in ferry_messages_total.
const (
	outcomeProcessed = "processed"
	outcomeFailed    = "failed"
	outcomeNotFound  = "not_found"
	outcomeNoop      = "noop"
	outcomeUnhandled = "unhandled"
	outcomeLeased    = "leased"
	outcomeInvalid   = "invalid"
	outcomeLegacy    = "legacy"
)

// Process handles one queue message: it claims the tracker's lease, re-reads
// the tracker and runs the step for its current state. The message carries
// no state; the tracker is authoritative.
func (s *WorkerService) Process(ctx context.Context, msg queue.Message) error {
	ctx, span := s.tracer.Start(ctx, "process "+string(msg.Type), trace.WithAttributes(
		attribute.String("tracker.id", msg.TrackerID),
		attribute.String("tracker.type", string(msg.Type)),
	))
	defer span.End()

	outcome, err := s.process(ctx, msg)
	s.metrics.Messages.WithLabelValues(string(msg.Type), outcome).Inc()
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *WorkerService) process(ctx context.Context, msg queue.Message) (string, error) {
	t, err := s.tracking.Get(ctx, msg.Type, msg.TrackerID)
	if errors.Is(err, tracking.ErrNotFound) {
		s.logger.Warnf("Dropping message for unknown %s tracker %s", msg.Type, msg.TrackerID)
		return outcomeNotFound, nil
	}
	if err != nil {
		return outcomeFailed, fmt.Errorf("failed to get %s tracker %s: %w", msg.Type, msg.TrackerID, err)
	}

	if states.Terminal(t.State) {
		s.logger.Debugf("%s tracker %s is already %s; nothing to do", t.Kind, t.ID, t.State)
		return outcomeNoop, nil
	}
	if s.step(t.Kind, t.State) == nil {
		s.logger.Errorf("No handler for %s tracker %s in state %s; dropping message", t.Kind, t.ID, t.State)
		return outcomeUnhandled, nil
	}

	claimed, err := s.tracking.ClaimLease(ctx, t.Kind, t.ID, s.cfg.ID, s.cfg.LeaseTTL)
	if err != nil {
		return outcomeFailed, fmt.Errorf("failed to claim lease on %s tracker %s: %w", t.Kind, t.ID, err)
	}
	if !claimed {
		s.logger.Infof("%s tracker %s is leased by another worker; dropping message", t.Kind, t.ID)
		return outcomeLeased, nil
	}

	stepCtx, cancel := context.WithCancel(ctx)
	hb := s.startHeartbeat(stepCtx, cancel, t.Kind, t.ID)

	next, err := s.runLeased(stepCtx, t.Kind, t.ID)

	cancel()
	<-hb
	s.releaseLease(ctx, t.Kind, t.ID)

	if err != nil {
		return outcomeFailed, err
	}
	if next != nil {
		if err := s.publish(ctx, next); err != nil {
			return outcomeFailed, err
		}
	}
	return outcomeProcessed, nil
}

// runLeased re-reads the tracker under the lease and runs its step. It
// returns the tracker when the step left it ready for another message.
func (s *WorkerService) runLeased(ctx context.Context, kind states.Kind, id string) (*tracking.Tracker, error) {
	t, err := s.tracking.Get(ctx, kind, id)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read %s tracker %s: %w", kind, id, err)
	}
	step := s.step(t.Kind, t.State)
	if step == nil || states.Terminal(t.State) {
		s.logger.Infof("%s tracker %s moved to %s before the lease was claimed", t.Kind, t.ID, t.State)
		return nil, nil
	}

	s.logger.Infof("Processing %s tracker %s in state %s", t.Kind, t.ID, t.State)
	start := time.Now()
	advance, err := step(ctx, t)
	s.metrics.StepDuration.WithLabelValues(string(t.Kind), t.State).Observe(time.Since(start).Seconds())
	if err != nil || !advance {
		return nil, err
	}

	// The step advanced the tracker; re-read it so the caller publishes the
	// persisted id and state.
	return s.tracking.Get(ctx, kind, id)
}

func (s *WorkerService) publish(ctx context.Context, t *tracking.Tracker) error {
	if err := s.publisher.Publish(ctx, queue.Message{TrackerID: t.ID, Type: t.Kind}); err != nil {
		return fmt.Errorf("failed to publish %s tracker %s in state %s: %w", t.Kind, t.ID, t.State, err)
	}
	s.logger.Debugf("Published %s tracker %s in state %s", t.Kind, t.ID, t.State)
	return nil
}

// transition writes upd and runs post actions when the tracker lands in a
// terminal state.
func (s *WorkerService) transition(ctx context.Context, t *tracking.Tracker, upd tracking.Update) (*tracking.Tracker, error) {
	from := t.State
	nt, err := s.tracking.Update(ctx, t.Kind, t.ID, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s tracker %s: %w", t.Kind, t.ID, err)
	}
	if nt.State != from {
		s.metrics.Transitions.WithLabelValues(string(nt.Kind), nt.State).Inc()
		s.logger.Infof("%s tracker %s: %s -> %s", nt.Kind, nt.ID, from, nt.State)
	}
	if states.Terminal(nt.State) {
		s.runPostActions(ctx, nt)
	}
	return nt, nil
}

// fail moves t to the error sink with cause as its log. An interrupted step
// leaves the tracker where it is.
func (s *WorkerService) fail(ctx context.Context, t *tracking.Tracker, sink string, cause error) error {
	if ctx.Err() != nil {
		s.logger.Warnf("%s tracker %s interrupted in %s: %v", t.Kind, t.ID, t.State, cause)
		return ctx.Err()
	}
	s.logger.Errorf("%s tracker %s failed in %s: %v", t.Kind, t.ID, t.State, cause)
	if _, err := s.transition(ctx, t, tracking.SetState(sink).WithLog(cause.Error())); err != nil {
		return err
	}
	return nil
}
