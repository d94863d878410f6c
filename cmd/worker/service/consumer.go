package service

import (
	"context"
	"sync"

	"github.com/alphauslabs/ferry/internal/queue"
)

type laneItem struct {
	msg      queue.Message
	delivery queue.Delivery
}

// Run consumes the queue until ctx is done. Messages are spread over lanes
// by tracker id, so one tracker's messages are handled in order by a single
// goroutine.
func (s *WorkerService) Run(ctx context.Context, consumer queue.Consumer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	members := s.router.Members()
	lanes := make(map[string]chan laneItem, len(members))

	var wg sync.WaitGroup
	for _, name := range members {
		ch := make(chan laneItem, 1)
		lanes[name] = ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runLane(ctx, name, ch)
		}()
	}
	s.logger.Infof("Worker %s consuming with %d lanes (ack mode %s)", s.cfg.ID, len(members), s.ackMode)

	err := consumer.Consume(ctx, func(ctx context.Context, d queue.Delivery) {
		s.deliver(ctx, lanes, d)
	})
	// Lanes only stop on cancellation, also when the consumer fails early.
	cancel()
	wg.Wait()
	return err
}

// deliver validates a delivery and hands it to its lane.
func (s *WorkerService) deliver(ctx context.Context, lanes map[string]chan laneItem, d queue.Delivery) {
	msg, err := queue.Parse(d.Body())
	if err != nil {
		s.logger.Errorf("Dropping invalid message: %v", err)
		s.metrics.Messages.WithLabelValues("", outcomeInvalid).Inc()
		if err := d.Term(); err != nil {
			s.logger.Warnf("Error terminating message: %v", err)
		}
		return
	}

	if msg.Legacy {
		if msg.TrackerID == "" {
			s.logger.Warnf("Dropping legacy command message without a tracker id")
			s.metrics.Messages.WithLabelValues("", outcomeLegacy).Inc()
			s.ack(d)
			return
		}
		s.logger.Warnf("Ignoring legacy commands on message for %s tracker %s", msg.Type, msg.TrackerID)
	}

	if s.ackMode == queue.AckOnReceipt {
		s.ack(d)
	}

	lane := lanes[s.router.GetMember(msg.TrackerID)]
	select {
	case lane <- laneItem{msg: msg, delivery: d}:
	case <-ctx.Done():
	}
}

func (s *WorkerService) runLane(ctx context.Context, name string, items <-chan laneItem) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Debugf("Lane %s stopped", name)
			return
		case item := <-items:
			if err := s.Process(ctx, item.msg); err != nil {
				s.logger.Errorf("Error processing %s tracker %s: %v", item.msg.Type, item.msg.TrackerID, err)
			}
			// An interrupted message stays unsettled so it is redelivered.
			if s.ackMode == queue.AckAfterProcessing && ctx.Err() == nil {
				s.ack(item.delivery)
			}
		}
	}
}

func (s *WorkerService) ack(d queue.Delivery) {
	if err := d.Ack(); err != nil {
		s.logger.Warnf("Error acknowledging message: %v", err)
	}
}
