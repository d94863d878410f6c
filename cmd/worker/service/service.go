package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/internal/archive"
	"github.com/alphauslabs/ferry/internal/config"
	"github.com/alphauslabs/ferry/internal/hashing"
	"github.com/alphauslabs/ferry/internal/instance"
	"github.com/alphauslabs/ferry/internal/poll"
	"github.com/alphauslabs/ferry/internal/queue"
	"github.com/alphauslabs/ferry/internal/staging"
	"github.com/alphauslabs/ferry/internal/states"
	"github.com/alphauslabs/ferry/internal/telemetry"
	"github.com/alphauslabs/ferry/internal/tracking"
)

// stepFunc runs the work for one state. It returns true when the tracker
// advanced to a state another message should pick up.
type stepFunc func(ctx context.Context, t *tracking.Tracker) (bool, error)

// Deps are the collaborators of a WorkerService.
type Deps struct {
	Tracking  tracking.API
	Instances *instance.Registry
	Archive   archive.Transferer
	Staging   *staging.Area
	Publisher queue.Publisher
	Metrics   *telemetry.Metrics
	Tracer    trace.TracerProvider
	Logger    *zap.SugaredLogger
}

// WorkerService drives tracking records through their pipelines.
type WorkerService struct {
	tracking  tracking.API
	instances *instance.Registry
	archive   archive.Transferer
	staging   *staging.Area
	publisher queue.Publisher
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	logger    *zap.SugaredLogger

	cfg     config.WorkerConfig
	ackMode queue.AckMode
	poller  poll.Poller
	router  *hashing.Router
	steps   map[states.Kind]map[string]stepFunc
	actions map[string][]postAction
	now     func() time.Time
}

// NewWorkerService creates a new WorkerService with the given dependencies.
func NewWorkerService(cfg config.WorkerConfig, ackMode queue.AckMode, deps Deps) (*WorkerService, error) {
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewMetrics()
	}
	if deps.Tracer == nil {
		tp, _, err := telemetry.NewTracerProvider(false)
		if err != nil {
			return nil, err
		}
		deps.Tracer = tp
	}
	if cfg.Lanes < 1 {
		cfg.Lanes = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.LeaseTTL {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}

	lanes := make([]string, cfg.Lanes)
	for i := range lanes {
		lanes[i] = fmt.Sprintf("lane-%d", i)
	}

	s := &WorkerService{
		tracking:  deps.Tracking,
		instances: deps.Instances,
		archive:   deps.Archive,
		staging:   deps.Staging,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer.Tracer("github.com/alphauslabs/ferry/cmd/worker"),
		logger:    deps.Logger,
		cfg:       cfg,
		ackMode:   ackMode,
		poller: poll.Poller{
			Interval:    cfg.PollInterval,
			MaxAttempts: cfg.PollMaxAttempts,
			MaxFailures: cfg.PollMaxFailures,
		},
		router: hashing.NewRouter(lanes),
		now:    time.Now,
	}

	s.steps = map[states.Kind]map[string]stepFunc{
		states.KindExport: {
			states.PreQueueing: s.exportPreQueueing,
			states.New:         s.exportNew,
			states.OK:          s.exportFetch,
			states.FetchOK:     s.exportTransfer,
		},
		states.KindImport: {
			states.PreFetch:               s.importFetch,
			states.NelsTransferOK:         s.importTrigger,
			states.HistoryImportTriggered: s.importResume,
		},
	}

	actions, err := s.buildActions(cfg.PostActions)
	if err != nil {
		return nil, err
	}
	s.actions = actions
	return s, nil
}

func (s *WorkerService) step(kind states.Kind, state string) stepFunc {
	return s.steps[kind][state]
}
