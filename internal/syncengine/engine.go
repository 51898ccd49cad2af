package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultWorkers         = 4
	defaultQueueSize       = 256
	defaultUpstreamTimeout = 20 * time.Second
)

type EngineOptions struct {
	Store          Store
	Tracker        TrackerClient
	Registry       RegistryClient
	Sink           MutationSink
	Vocabulary     *Vocabulary
	ReviewerFields map[RecordKind]string

	Workers         int
	QueueSize       int
	UpstreamTimeout time.Duration

	ReconcileTimeout     time.Duration
	ReconcileConcurrency int

	Logger         *slog.Logger
	Metrics        *Metrics
	DisableWorkers bool
}

// Engine owns the shared store and collaborators and runs webhook batches
// and reconcile runs on a bounded worker pool.
type Engine struct {
	store           Store
	tracker         TrackerClient
	sink            MutationSink
	translator      *Translator
	reconciler      *Reconciler
	upstreamTimeout time.Duration
	logger          *slog.Logger
	metrics         *Metrics

	submitMu    sync.RWMutex
	closed      bool
	queue       chan job
	queueCtx    context.Context
	queueCancel context.CancelFunc
	wg          sync.WaitGroup
}

type job struct {
	id   string
	name string
	run  func(ctx context.Context)
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil || opts.Tracker == nil || opts.Registry == nil || opts.Sink == nil {
		return nil, fmt.Errorf("%w: engine needs a store and all three collaborators", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	upstreamTimeout := opts.UpstreamTimeout
	if upstreamTimeout <= 0 {
		upstreamTimeout = defaultUpstreamTimeout
	}
	vocabulary := opts.Vocabulary
	if vocabulary == nil {
		vocabulary = DefaultVocabulary()
	}
	reconciler, err := NewReconciler(ReconcilerOptions{
		Store:          opts.Store,
		Registry:       opts.Registry,
		Tracker:        opts.Tracker,
		Vocabulary:     vocabulary,
		ReviewerFields: opts.ReviewerFields,
		Timeout:        opts.ReconcileTimeout,
		Concurrency:    opts.ReconcileConcurrency,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   opts.Store,
		tracker: opts.Tracker,
		sink:    opts.Sink,
		translator: NewTranslator(TranslatorOptions{
			Mappings:       opts.Store,
			Identities:     opts.Store,
			ReviewerFields: opts.ReviewerFields,
			Logger:         logger,
			Metrics:        opts.Metrics,
		}),
		reconciler:      reconciler,
		upstreamTimeout: upstreamTimeout,
		logger:          logger,
		metrics:         opts.Metrics,
		queue:           make(chan job, queueSize),
		queueCtx:        queueCtx,
		queueCancel:     queueCancel,
	}
	opts.Metrics.RegisterQueueDepth(e.QueueDepth)
	if !opts.DisableWorkers {
		e.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer e.wg.Done()
				e.worker()
			}()
		}
	}
	return e, nil
}

func (e *Engine) worker() {
	for next := range e.queue {
		e.runJob(next)
	}
}

func (e *Engine) runJob(next job) {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("job panicked",
				"job", next.name, "correlation_id", next.id, "panic", recovered, "stack", string(debug.Stack()))
		}
	}()
	next.run(e.queueCtx)
}

func (e *Engine) submit(next job) error {
	e.submitMu.RLock()
	defer e.submitMu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.queue <- next:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitBatch queues a decoded webhook batch. It fails fast with
// ErrQueueFull instead of blocking the caller.
func (e *Engine) SubmitBatch(correlationID string, events []SyncEvent) error {
	correlationID = ensureCorrelationID(correlationID)
	return e.submit(job{
		id:   correlationID,
		name: "webhook-batch",
		run: func(ctx context.Context) {
			e.ProcessBatch(ctx, correlationID, events)
		},
	})
}

// SubmitReconcile queues a reconcile run, as triggered by a Graph change
// notification.
func (e *Engine) SubmitReconcile(correlationID string, kind RecordKind, limit int) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: record kind %q", ErrInvalidInput, kind)
	}
	correlationID = ensureCorrelationID(correlationID)
	return e.submit(job{
		id:   correlationID,
		name: "reconcile-" + string(kind),
		run: func(ctx context.Context) {
			if _, err := e.reconciler.Reconcile(ctx, kind, limit); err != nil {
				e.logger.Warn("queued reconcile did not run",
					"kind", kind, "correlation_id", correlationID, "err", err)
			}
		},
	})
}

// Reconcile runs synchronously on the caller's goroutine.
func (e *Engine) Reconcile(ctx context.Context, kind RecordKind, limit int) (ReconcileReport, error) {
	return e.reconciler.Reconcile(ctx, kind, limit)
}

// Backfill adopts untracked Wrike tasks of kind. See Reconciler.Backfill.
func (e *Engine) Backfill(ctx context.Context, kind RecordKind, limit int) (BackfillReport, error) {
	return e.reconciler.Backfill(ctx, kind, limit)
}

func (e *Engine) QueueDepth() int {
	return len(e.queue)
}

// Close stops accepting work and waits for queued jobs to finish. When ctx
// expires first, running jobs are cancelled.
func (e *Engine) Close(ctx context.Context) error {
	e.submitMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.submitMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.queueCancel()
		return nil
	case <-ctx.Done():
		e.queueCancel()
		<-done
		return ctx.Err()
	}
}

// EventResult records what happened to one event of a batch.
type EventResult struct {
	Event    SyncEvent
	Mutation *Mutation
	Skip     SkipReason
	Deleted  int
	Uploaded bool
	Err      error
}

// ProcessBatch applies events one at a time in delivery order. Each
// non-skipped event issues its own downstream call; a failing event does not
// stop the ones after it.
func (e *Engine) ProcessBatch(ctx context.Context, correlationID string, events []SyncEvent) []EventResult {
	results := make([]EventResult, 0, len(events))
	for _, event := range events {
		result := e.processEvent(ctx, event)
		if result.Err != nil {
			e.logger.Warn("event failed",
				"correlation_id", correlationID,
				"kind", event.Kind,
				"task_id", event.TaskID,
				"event", event.Type,
				"err", result.Err,
			)
		}
		results = append(results, result)
	}
	return results
}

func (e *Engine) processEvent(ctx context.Context, event SyncEvent) EventResult {
	result := EventResult{Event: event}
	switch event.Type {
	case EventTaskDeleted:
		result.Deleted, result.Skip, result.Err = e.deleteTask(ctx, event)
	case EventOrderCompleted:
		result.Uploaded, result.Skip, result.Err = e.completeOrder(ctx, event)
	default:
		translation, err := e.translator.Translate(ctx, event)
		if err != nil {
			result.Err = err
			return result
		}
		result.Skip = translation.Skip
		result.Mutation = translation.Mutation
		if translation.Mutation == nil {
			return result
		}
		callCtx, cancel := context.WithTimeout(ctx, e.upstreamTimeout)
		defer cancel()
		if err := e.sink.ApplyMutation(callCtx, *translation.Mutation); err != nil {
			result.Err = upstream("apply mutation", err)
		}
	}
	return result
}

func (e *Engine) deleteTask(ctx context.Context, event SyncEvent) (int, SkipReason, error) {
	if event.TaskID == "" {
		e.logger.Info("delete event without task id", "kind", event.Kind)
		e.metrics.observeTranslation(event.Kind, "delete", string(SkipNoTaskID))
		return 0, SkipNoTaskID, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.upstreamTimeout)
	defer cancel()
	removed, err := e.store.DeleteByTaskID(callCtx, event.Kind, event.TaskID)
	if err != nil {
		e.metrics.observeTranslation(event.Kind, "delete", "error")
		return 0, "", upstream("delete mappings", err)
	}
	e.metrics.observeTranslation(event.Kind, "delete", "deleted")
	e.logger.Info("task deleted", "kind", event.Kind, "task_id", event.TaskID, "removed", removed)
	return removed, "", nil
}

// completeOrder uploads the completed order's document once. The mapping
// keyed by the file hash is the guard: only the delivery that creates it
// uploads.
func (e *Engine) completeOrder(ctx context.Context, event SyncEvent) (bool, SkipReason, error) {
	if event.TaskID == "" {
		e.metrics.observeTranslation(event.Kind, "status", string(SkipNoTaskID))
		return false, SkipNoTaskID, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.upstreamTimeout)
	defer cancel()

	attachment, err := e.tracker.FetchAttachment(callCtx, event.TaskID)
	if err != nil {
		e.metrics.observeTranslation(event.Kind, "status", "error")
		return false, "", upstream("fetch attachment", err)
	}
	name := strings.TrimSpace(attachment.Name)
	if name == "" {
		e.metrics.observeTranslation(event.Kind, "status", "error")
		return false, "", fmt.Errorf("%w: attachment on task %s has no name", ErrInvalidInput, event.TaskID)
	}
	fingerprint := OrderFingerprint(name)
	_, created, err := e.store.UpsertFingerprint(callCtx, KindOrder, fingerprint, event.TaskID)
	if err != nil {
		e.metrics.observeTranslation(event.Kind, "status", "error")
		return false, "", upstream("store order mapping", err)
	}
	if !created {
		e.logger.Info("order already uploaded", "task_id", event.TaskID, "fingerprint", fingerprint)
		e.metrics.observeTranslation(event.Kind, "status", "duplicate")
		return false, "", nil
	}
	if err := e.sink.UploadOrder(callCtx, name, attachment.Content); err != nil {
		e.metrics.observeTranslation(event.Kind, "status", "error")
		e.logger.Error("order upload failed after mapping was stored",
			"task_id", event.TaskID, "fingerprint", fingerprint, "err", err)
		return false, "", upstream("upload order", err)
	}
	e.metrics.observeTranslation(event.Kind, "status", "uploaded")
	return true, "", nil
}

func ensureCorrelationID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}
