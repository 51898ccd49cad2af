package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTracker struct {
	mu          sync.Mutex
	nextID      int
	created     []TaskFields
	updated     map[string]TaskFields
	failTitles  map[string]error
	attachments map[string]Attachment
	fetches     int
	tasks       map[RecordKind][]TrackedTask
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		updated:     map[string]TaskFields{},
		failTitles:  map[string]error{},
		attachments: map[string]Attachment{},
	}
}

func (f *fakeTracker) CreateTask(ctx context.Context, kind RecordKind, fields TaskFields) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTitles[fields.Title]; err != nil {
		return "", err
	}
	f.nextID++
	f.created = append(f.created, fields)
	return fmt.Sprintf("TASK%d", f.nextID), nil
}

func (f *fakeTracker) UpdateTask(ctx context.Context, taskID string, fields TaskFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTitles[fields.Title]; err != nil {
		return err
	}
	f.updated[taskID] = fields
	return nil
}

func (f *fakeTracker) ListTasks(ctx context.Context, kind RecordKind) ([]TrackedTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TrackedTask(nil), f.tasks[kind]...), nil
}

func (f *fakeTracker) FetchAttachment(ctx context.Context, taskID string) (Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	attachment, ok := f.attachments[taskID]
	if !ok {
		return Attachment{}, ErrNotFound
	}
	return attachment, nil
}

type fakeRegistry struct {
	records map[RecordKind][]RegistryRecord
	err     error
	block   chan struct{}
	calls   atomic.Int32
}

func (f *fakeRegistry) FetchRecentRecords(ctx context.Context, kind RecordKind, limit int) ([]RegistryRecord, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	records := f.records[kind]
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

type fakeSink struct {
	mu        sync.Mutex
	mutations []Mutation
	uploads   []string
	err       error
}

func (f *fakeSink) ApplyMutation(ctx context.Context, mutation Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.mutations = append(f.mutations, mutation)
	return nil
}

func (f *fakeSink) UploadOrder(ctx context.Context, name string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, name)
	return nil
}

func (f *fakeSink) snapshot() []Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Mutation, len(f.mutations))
	copy(out, f.mutations)
	return out
}

// failingStore wraps a Store and fails selected operations.
type failingStore struct {
	Store
	failFind bool
}

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) FindByTaskID(ctx context.Context, kind RecordKind, trackerID string) (*MappingRecord, error) {
	if s.failFind {
		return nil, errStoreDown
	}
	return s.Store.FindByTaskID(ctx, kind, trackerID)
}
