package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// Reconcilable is the part of the engine the scheduler drives.
type Reconcilable interface {
	Reconcile(ctx context.Context, kind RecordKind, limit int) (ReconcileReport, error)
}

type SchedulerOptions struct {
	// Spec is a standard five-field cron expression. Empty disables scheduling.
	Spec   string
	Kinds  []RecordKind
	Limit  int
	Target Reconcilable
	Logger *slog.Logger
}

// Scheduler runs periodic reconcile passes as a backstop to webhooks.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	spec := strings.TrimSpace(opts.Spec)
	if spec == "" {
		return nil, nil
	}
	if opts.Target == nil {
		return nil, fmt.Errorf("%w: scheduler target is required", ErrInvalidInput)
	}
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("%w: scheduled limit must be positive", ErrInvalidInput)
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = []RecordKind{KindRFQ}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	_, err := s.cron.AddFunc(spec, func() {
		for _, kind := range kinds {
			report, err := opts.Target.Reconcile(s.ctx, kind, opts.Limit)
			switch {
			case errors.Is(err, ErrReconcileInProgress):
				logger.Info("scheduled reconcile skipped; run in progress", "kind", kind)
			case err != nil:
				logger.Warn("scheduled reconcile failed", "kind", kind, "err", err)
			default:
				logger.Info("scheduled reconcile done", "kind", kind, "fetched", report.Fetched, "failed", len(report.Failed))
			}
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: cron spec %q: %v", ErrInvalidInput, spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	if s == nil {
		return
	}
	s.cron.Start()
}

// Stop cancels a running pass and waits for it to return.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
}
