// Package natsqueue implements the work queue on NATS JetStream.
//
// Task messages go to a work-queue stream on "<prefix>.tasks.<type>" and are
// read by one durable pull consumer shared by all workers. Notification
// events are plain core NATS publishes on "<prefix>.events.<state>".
package natsqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/internal/queue"
)

// Config configures the JetStream connection.
type Config struct {
	URL      string
	Name     string
	Stream   string
	Prefix   string
	Durable  string
	Prefetch int
	AckWait  time.Duration
}

// Queue is a queue.Publisher and queue.Consumer backed by JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *zap.SugaredLogger
}

// Connect dials NATS and makes sure the task stream exists.
func Connect(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Queue, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warnf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Prefix + ".tasks.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}

	return &Queue{nc: nc, js: js, cfg: cfg, logger: logger}, nil
}

func (q *Queue) taskSubject(msg queue.Message) string {
	return fmt.Sprintf("%s.tasks.%s", q.cfg.Prefix, msg.Type)
}

// Publish sends a task message and waits for the stream to store it.
func (q *Queue) Publish(ctx context.Context, msg queue.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if _, err := q.js.Publish(ctx, q.taskSubject(msg), body); err != nil {
		return fmt.Errorf("failed to publish message for tracker %s: %w", msg.TrackerID, err)
	}
	return nil
}

// PublishEvent sends a fire-and-forget notification.
func (q *Queue) PublishEvent(ctx context.Context, ev queue.Event) error {
	body, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.events.%s", q.cfg.Prefix, ev.State)
	if err := q.nc.Publish(subject, body); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Consume pulls task messages into h until ctx is done.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	prefetch := q.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       q.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxAckPending: prefetch,
		FilterSubject: q.cfg.Prefix + ".tasks.>",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", q.cfg.Durable, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		h(ctx, delivery{msg: msg})
	}, jetstream.PullMaxMessages(prefetch))
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	q.logger.Infof("Consuming %s.tasks.> as %s (prefetch=%d)", q.cfg.Prefix, q.cfg.Durable, prefetch)

	<-ctx.Done()
	cc.Stop()
	return nil
}

// Close drains the connection.
func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Drain()
		q.nc.Close()
	}
}

type delivery struct {
	msg jetstream.Msg
}

func (d delivery) Body() []byte { return d.msg.Data() }
func (d delivery) Ack() error   { return d.msg.Ack() }
func (d delivery) Term() error  { return d.msg.Term() }
