package service

import (
	"context"
	"fmt"
	"time"

	"github.com/alphauslabs/ferry/internal/instance"
	"github.com/alphauslabs/ferry/internal/poll"
	"github.com/alphauslabs/ferry/internal/states"
	"github.com/alphauslabs/ferry/internal/tracking"
)

// startHeartbeat renews the tracker's lease until ctx is done. Losing the
// lease cancels the step. The returned channel closes when the heartbeat
// has stopped.
func (s *WorkerService) startHeartbeat(ctx context.Context, cancel context.CancelFunc, kind states.Kind, id string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				owned, err := s.tracking.ClaimLease(ctx, kind, id, s.cfg.ID, s.cfg.LeaseTTL)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.Warnf("Error renewing lease for %s tracker %s: %v", kind, id, err)
					continue
				}
				if !owned {
					s.logger.Warnf("Lease ownership lost for %s tracker %s; stopping step", kind, id)
					cancel()
					return
				}
			}
		}
	}()
	return done
}

func (s *WorkerService) releaseLease(ctx context.Context, kind states.Kind, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.tracking.ReleaseLease(ctx, kind, id, s.cfg.ID); err != nil {
		s.logger.Warnf("Error releasing lease for %s tracker %s: %v", kind, id, err)
	}
}

// remoteStatus maps a Galaxy export or job state onto a poll status.
func remoteStatus(state string) poll.Status {
	switch state {
	case instance.RemoteOK:
		return poll.Succeeded
	case instance.RemoteError:
		return poll.Failed
	default:
		return poll.Pending
	}
}

// awaitExport polls the recorded export until Galaxy reports it done. This
// holds the worker's lane for the whole poll.
func (s *WorkerService) awaitExport(ctx context.Context, inst instance.Instance, t *tracking.Tracker) (bool, error) {
	if t.ExportID == nil || *t.ExportID == "" {
		return false, s.fail(ctx, t, states.BioblendError, fmt.Errorf("no export id recorded"))
	}
	exportID := *t.ExportID
	s.logger.Infof("Starting poller for export %s (%s tracker %s)", exportID, t.Kind, t.ID)

	res := poll.Until(ctx, s.poller, func(ctx context.Context) (string, poll.Status, error) {
		state, err := inst.PollExport(ctx, exportID)
		if err != nil {
			s.logger.Warnf("Error polling export %s: %v", exportID, err)
			return "", poll.Pending, err
		}
		return state, remoteStatus(state), nil
	})

	switch {
	case res.Status == poll.Succeeded:
		if _, err := s.transition(ctx, t, tracking.SetState(states.OK)); err != nil {
			return false, err
		}
		return true, nil
	case ctx.Err() != nil:
		s.logger.Warnf("Poller for export %s stopped: %v", exportID, ctx.Err())
		return false, ctx.Err()
	case res.Status == poll.Failed && res.Err != nil:
		return false, s.fail(ctx, t, states.BioblendError, fmt.Errorf("polling export %s: %w", exportID, res.Err))
	case res.Status == poll.Failed:
		return false, s.fail(ctx, t, states.BioblendError, fmt.Errorf("export %s reported state %s", exportID, res.Value))
	default:
		return false, s.fail(ctx, t, states.BioblendError,
			fmt.Errorf("export %s still %q after %d attempts", exportID, res.Value, res.Attempts))
	}
}

// awaitImport polls the Galaxy import job until it ends, then removes the
// staged archive.
func (s *WorkerService) awaitImport(ctx context.Context, inst instance.Instance, t *tracking.Tracker) (bool, error) {
	if t.ExportID == nil || *t.ExportID == "" {
		return false, s.fail(ctx, t, states.NelsTransferError, fmt.Errorf("no import job id recorded"))
	}
	jobID := *t.ExportID
	s.logger.Infof("Starting poller for import job %s (%s tracker %s)", jobID, t.Kind, t.ID)

	res := poll.Until(ctx, s.poller, func(ctx context.Context) (string, poll.Status, error) {
		state, err := inst.GetJobState(ctx, jobID)
		if err != nil {
			s.logger.Warnf("Error polling job %s: %v", jobID, err)
			return "", poll.Pending, err
		}
		return state, remoteStatus(state), nil
	})

	switch {
	case res.Status == poll.Succeeded:
		s.removeStaged(t)
		_, err := s.transition(ctx, t, tracking.SetState(states.Finished).WithTmpFile(""))
		return false, err
	case ctx.Err() != nil:
		s.logger.Warnf("Poller for import job %s stopped: %v", jobID, ctx.Err())
		return false, ctx.Err()
	case res.Status == poll.Failed && res.Err != nil:
		return false, s.fail(ctx, t, states.NelsTransferError, fmt.Errorf("polling import job %s: %w", jobID, res.Err))
	case res.Status == poll.Failed:
		return false, s.fail(ctx, t, states.NelsTransferError, fmt.Errorf("import job %s reported state %s", jobID, res.Value))
	default:
		return false, s.fail(ctx, t, states.NelsTransferError,
			fmt.Errorf("import job %s still %q after %d attempts", jobID, res.Value, res.Attempts))
	}
}
