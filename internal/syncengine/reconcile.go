package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultReconcileTimeout     = 2 * time.Minute
	defaultReconcileConcurrency = 4
)

type ItemFailure struct {
	RegistryID string `json:"registryId"`
	Error      string `json:"error"`
}

// ReconcileReport summarizes one run. Items that failed are listed; every
// other fetched item was created, updated or linked.
type ReconcileReport struct {
	Kind      RecordKind    `json:"kind"`
	Limit     int           `json:"limit"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Fetched   int           `json:"fetched"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Linked    int           `json:"linked"`
	Failed    []ItemFailure `json:"failed"`
}

type ReconcilerOptions struct {
	Store          Store
	Registry       RegistryClient
	Tracker        TrackerClient
	Vocabulary     *Vocabulary
	ReviewerFields map[RecordKind]string
	// Timeout caps the wall-clock time of one run.
	Timeout time.Duration
	// Concurrency is the number of items processed at once.
	Concurrency int
	Logger      *slog.Logger
	Metrics     *Metrics
}

type Reconciler struct {
	store          Store
	registry       RegistryClient
	tracker        TrackerClient
	vocabulary     *Vocabulary
	reviewerFields map[RecordKind]string
	timeout        time.Duration
	concurrency    int
	logger         *slog.Logger
	metrics        *Metrics
	now            func() time.Time

	running map[RecordKind]*sync.Mutex
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Tracker == nil {
		return nil, fmt.Errorf("%w: reconciler needs a store, a registry client and a tracker client", ErrInvalidInput)
	}
	vocabulary := opts.Vocabulary
	if vocabulary == nil {
		vocabulary = DefaultVocabulary()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultReconcileTimeout
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultReconcileConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	running := make(map[RecordKind]*sync.Mutex, len(allKinds))
	for _, kind := range allKinds {
		running[kind] = &sync.Mutex{}
	}
	return &Reconciler{
		store:          opts.Store,
		registry:       opts.Registry,
		tracker:        opts.Tracker,
		vocabulary:     vocabulary,
		reviewerFields: opts.ReviewerFields,
		timeout:        timeout,
		concurrency:    concurrency,
		logger:         logger,
		metrics:        opts.Metrics,
		now:            func() time.Time { return time.Now().UTC() },
		running:        running,
	}, nil
}

type itemResult int

const (
	itemCreated itemResult = iota
	itemUpdated
	itemLinked
)

func (r itemResult) String() string {
	switch r {
	case itemCreated:
		return "created"
	case itemUpdated:
		return "updated"
	case itemLinked:
		return "linked"
	default:
		return "unknown"
	}
}

// Reconcile pulls the limit most recently modified records of kind and
// writes each one to Wrike. Item failures are collected in the report; the
// returned error is reserved for failures of the run itself.
func (r *Reconciler) Reconcile(ctx context.Context, kind RecordKind, limit int) (report ReconcileReport, err error) {
	report = ReconcileReport{Kind: kind, Limit: limit, StartedAt: r.now(), Failed: []ItemFailure{}}
	if !kind.Valid() {
		return report, fmt.Errorf("%w: record kind %q", ErrInvalidInput, kind)
	}
	if limit <= 0 {
		return report, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	guard := r.running[kind]
	if !guard.TryLock() {
		return report, ErrReconcileInProgress
	}
	defer guard.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer func() {
		report.Duration = r.now().Sub(report.StartedAt)
		r.metrics.observeReconcileDuration(kind, report.Duration)
	}()

	records, err := r.registry.FetchRecentRecords(ctx, kind, limit)
	if err != nil {
		r.logger.Warn("fetch registry records failed", "kind", kind, "err", err)
		return report, upstream("fetch registry records", err)
	}
	if len(records) > limit {
		records = records[:limit]
	}
	report.Fetched = len(records)

	var (
		mu    sync.Mutex
		group errgroup.Group
		locks fingerprintLocks
	)
	group.SetLimit(r.concurrency)
	for _, record := range records {
		group.Go(func() error {
			result, err := r.reconcileItem(ctx, kind, record, &locks)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, ItemFailure{RegistryID: record.ID, Error: err.Error()})
				r.metrics.observeReconcileItem(kind, "failed")
				r.logger.Warn("reconcile item failed", "kind", kind, "registry_id", record.ID, "err", err)
				return nil
			}
			switch result {
			case itemCreated:
				report.Created++
			case itemUpdated:
				report.Updated++
			case itemLinked:
				report.Linked++
			}
			r.metrics.observeReconcileItem(kind, result.String())
			return nil
		})
	}
	_ = group.Wait()

	r.logger.Info("reconcile finished",
		"kind", kind,
		"fetched", report.Fetched,
		"created", report.Created,
		"updated", report.Updated,
		"linked", report.Linked,
		"failed", len(report.Failed),
	)
	return report, nil
}

// fingerprintLocks serializes items of one run that share a fingerprint, so
// the second sees the first's mapping instead of creating its own task.
type fingerprintLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *fingerprintLocks) lock(fingerprint string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	m, ok := l.locks[fingerprint]
	if !ok {
		m = &sync.Mutex{}
		l.locks[fingerprint] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (r *Reconciler) reconcileItem(ctx context.Context, kind RecordKind, record RegistryRecord, locks *fingerprintLocks) (itemResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, upstream("reconcile deadline", err)
	}
	item, err := r.prepare(ctx, kind, record)
	if err != nil {
		return 0, err
	}
	log := r.logger.With("kind", kind, "registry_id", item.RegistryID, "fingerprint", item.Fingerprint)
	defer locks.lock(item.Fingerprint)()

	// Orders uploaded from a completed Wrike task come back authored by the
	// flow's service account; their mapping already exists under the file hash.
	if kind == KindOrder && item.SystemCreated && item.FileName != "" {
		err := r.store.AttachRegistryID(ctx, kind, item.Fingerprint, item.RegistryID)
		switch {
		case err == nil:
			mapping, err := r.store.FindByFingerprint(ctx, kind, item.Fingerprint)
			if err != nil {
				return 0, upstream("find mapping", err)
			}
			if mapping != nil {
				if err := r.tracker.UpdateTask(ctx, mapping.TrackerID, item.Fields); err != nil {
					return 0, upstream("update tracker task", err)
				}
				log.Debug("linked wrike-originated order", "task_id", mapping.TrackerID)
				return itemLinked, nil
			}
		case errors.Is(err, ErrNotFound):
			log.Info("system order has no mapping; creating task")
		default:
			return 0, upstream("attach registry id", err)
		}
	}

	existing, err := r.store.FindByFingerprint(ctx, kind, item.Fingerprint)
	if err != nil {
		return 0, upstream("find mapping", err)
	}
	if existing != nil {
		if err := r.tracker.UpdateTask(ctx, existing.TrackerID, item.Fields); err != nil {
			return 0, upstream("update tracker task", err)
		}
		if existing.RegistryID != item.RegistryID {
			if err := r.store.AttachRegistryID(ctx, kind, item.Fingerprint, item.RegistryID); err != nil {
				return 0, upstream("attach registry id", err)
			}
		}
		return itemUpdated, nil
	}

	taskID, err := r.tracker.CreateTask(ctx, kind, item.Fields)
	if err != nil {
		return 0, upstream("create tracker task", err)
	}
	stored, created, err := r.store.UpsertFingerprint(ctx, kind, item.Fingerprint, taskID)
	if err != nil {
		return 0, upstream("store mapping", err)
	}
	if !created {
		// Another process mapped the fingerprint between lookup and insert.
		log.Warn("mapping created concurrently; new task left unlinked",
			"task_id", taskID, "linked_task_id", stored.TrackerID)
		return 0, fmt.Errorf("fingerprint already mapped to task %s; task %s is unlinked", stored.TrackerID, taskID)
	}
	if err := r.store.AttachRegistryID(ctx, kind, item.Fingerprint, item.RegistryID); err != nil {
		return 0, upstream("attach registry id", err)
	}
	log.Debug("created tracker task", "task_id", taskID)
	return itemCreated, nil
}

// prepare decodes record and normalizes it into the task it should become.
func (r *Reconciler) prepare(ctx context.Context, kind RecordKind, record RegistryRecord) (ReconcileItem, error) {
	draft, err := decodeRegistryRecord(kind, record)
	if err != nil {
		return ReconcileItem{}, err
	}
	who, err := r.resolvePeople(ctx, draft.personRefs())
	if err != nil {
		return ReconcileItem{}, err
	}
	return draft.normalize(r.vocabulary, who, r.reviewerFields[kind]), nil
}

// resolvePeople looks up every referenced registry user. A miss leaves the
// person unresolved; only store failures are errors.
func (r *Reconciler) resolvePeople(ctx context.Context, refs []string) (people, error) {
	who := make(people, len(refs))
	for _, ref := range refs {
		if _, seen := who[ref]; seen {
			continue
		}
		identity, err := r.store.FindIdentityByRegistryUser(ctx, ref)
		if err != nil {
			return nil, upstream("find identity", err)
		}
		if identity == nil {
			r.logger.Debug("unknown registry user", "registry_user_id", ref)
		}
		who[ref] = identity
	}
	return who, nil
}
