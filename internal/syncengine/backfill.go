package syncengine

import (
	"context"
	"fmt"
	"strings"
)

// BackfillReport lists what happened to each task found in the kind's
// Wrike folder.
type BackfillReport struct {
	Kind    RecordKind `json:"kind"`
	Limit   int        `json:"limit"`
	Tasks   int        `json:"tasks"`
	Mapped  int        `json:"mapped"`
	Adopted int        `json:"adopted"`
	// Unmatched tasks have no list item with the same title.
	Unmatched []string `json:"unmatched"`
	// Ambiguous tasks share their title with another task or list item.
	Ambiguous []string `json:"ambiguous"`
	// Duplicates match a list item that already maps to another task.
	Duplicates []string `json:"duplicates"`
}

// Backfill adopts tasks that exist in Wrike but have no mapping, so the next
// reconcile updates them instead of creating a second task. A task is
// adopted when its title equals the normalized title of exactly one of the
// limit most recent list items, and no other task carries that title.
func (r *Reconciler) Backfill(ctx context.Context, kind RecordKind, limit int) (report BackfillReport, err error) {
	report = BackfillReport{Kind: kind, Limit: limit, Unmatched: []string{}, Ambiguous: []string{}, Duplicates: []string{}}
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

	tasks, err := r.tracker.ListTasks(ctx, kind)
	if err != nil {
		return report, upstream("list tracker tasks", err)
	}
	records, err := r.registry.FetchRecentRecords(ctx, kind, limit)
	if err != nil {
		return report, upstream("fetch registry records", err)
	}
	report.Tasks = len(tasks)

	items := map[string][]ReconcileItem{}
	seen := map[string]bool{}
	for _, record := range records {
		item, err := r.prepare(ctx, kind, record)
		if err != nil {
			r.logger.Warn("backfill skipped registry record", "kind", kind, "registry_id", record.ID, "err", err)
			continue
		}
		if seen[item.Fingerprint] {
			continue
		}
		seen[item.Fingerprint] = true
		key := titleKey(item.Fields.Title)
		items[key] = append(items[key], item)
	}
	titles := map[string]int{}
	for _, task := range tasks {
		titles[titleKey(task.Title)]++
	}

	for _, task := range tasks {
		mapping, err := r.store.FindByTaskID(ctx, kind, task.ID)
		if err != nil {
			return report, upstream("find mapping", err)
		}
		if mapping != nil {
			report.Mapped++
			continue
		}
		key := titleKey(task.Title)
		candidates := items[key]
		switch {
		case len(candidates) == 0:
			report.Unmatched = append(report.Unmatched, task.ID)
			continue
		case len(candidates) > 1 || titles[key] > 1:
			report.Ambiguous = append(report.Ambiguous, task.ID)
			continue
		}
		item := candidates[0]
		stored, created, err := r.store.UpsertFingerprint(ctx, kind, item.Fingerprint, task.ID)
		if err != nil {
			return report, upstream("store mapping", err)
		}
		if !created {
			r.logger.Info("backfill found task already tracked elsewhere",
				"kind", kind, "task_id", task.ID, "linked_task_id", stored.TrackerID)
			report.Duplicates = append(report.Duplicates, task.ID)
			continue
		}
		if err := r.store.AttachRegistryID(ctx, kind, item.Fingerprint, item.RegistryID); err != nil {
			return report, upstream("attach registry id", err)
		}
		r.metrics.observeReconcileItem(kind, "adopted")
		report.Adopted++
	}

	r.logger.Info("backfill finished",
		"kind", kind,
		"tasks", report.Tasks,
		"mapped", report.Mapped,
		"adopted", report.Adopted,
		"unmatched", len(report.Unmatched),
		"ambiguous", len(report.Ambiguous),
		"duplicates", len(report.Duplicates),
	)
	return report, nil
}

func titleKey(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}
