package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect carries the statements that differ between database engines.
// Every statement takes its arguments in the order documented next to it.
type sqlDialect struct {
	driver string
	// prepare runs once after the pool is opened.
	prepare func(ctx context.Context, db *sql.DB) error

	selectByTask        string // kind, tracker_id
	selectByFingerprint string // kind, fingerprint
	insertIfAbsent      string // kind, fingerprint, tracker_id, salt, iterations, created_at, updated_at
	attachRegistryID    string // registry_id, salt, iterations, updated_at, kind, fingerprint
	deleteByTask        string // kind, tracker_id
	identityByTracker   string // tracker_user_id
	identityByRegistry  string // registry_user_id
	deleteIdentityClash string // registry_user_id, tracker_user_id
	upsertIdentity      string // tracker_user_id, registry_user_id, display_name
}

// SQLStore implements Store on database/sql. The pool is opened lazily on
// first use and shared by every caller until Close.
type SQLStore struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc
	timeout time.Duration
	now     func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dsn string, dialect sqlDialect) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:     dsn,
		dialect: dialect,
		openDB:  sql.Open,
		timeout: sqlOperationTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		if s.dialect.prepare != nil {
			if err := s.dialect.prepare(ctx, db); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQLStore) FindByTaskID(ctx context.Context, kind RecordKind, trackerID string) (*MappingRecord, error) {
	if !kind.Valid() {
		return nil, ErrInvalidInput
	}
	trackerID = strings.TrimSpace(trackerID)
	if trackerID == "" {
		return nil, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return scanMapping(s.db.QueryRowContext(ctx, s.dialect.selectByTask, string(kind), trackerID))
}

func (s *SQLStore) FindByFingerprint(ctx context.Context, kind RecordKind, fingerprint string) (*MappingRecord, error) {
	if err := validateMappingKey(kind, fingerprint); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return scanMapping(s.db.QueryRowContext(ctx, s.dialect.selectByFingerprint, string(kind), fingerprint))
}

func (s *SQLStore) UpsertFingerprint(ctx context.Context, kind RecordKind, fingerprint, trackerID string) (MappingRecord, bool, error) {
	if err := validateMappingKey(kind, fingerprint); err != nil {
		return MappingRecord{}, false, err
	}
	trackerID = strings.TrimSpace(trackerID)
	if trackerID == "" {
		return MappingRecord{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return MappingRecord{}, false, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now()
	result, err := s.db.ExecContext(ctx, s.dialect.insertIfAbsent,
		string(kind), fingerprint, trackerID, defaultSalt, defaultIterations, now, now)
	if err != nil {
		return MappingRecord{}, false, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return MappingRecord{}, false, err
	}
	stored, err := scanMapping(s.db.QueryRowContext(ctx, s.dialect.selectByFingerprint, string(kind), fingerprint))
	if err != nil {
		return MappingRecord{}, false, err
	}
	if stored == nil {
		// Deleted between the insert and the read; report what was requested.
		return MappingRecord{
			Kind:        kind,
			TrackerID:   trackerID,
			Fingerprint: fingerprint,
			Salt:        defaultSalt,
			Iterations:  defaultIterations,
			CreatedAt:   now,
			UpdatedAt:   now,
		}, inserted > 0, nil
	}
	return *stored, inserted > 0, nil
}

func (s *SQLStore) AttachRegistryID(ctx context.Context, kind RecordKind, fingerprint, registryID string) error {
	if err := validateMappingKey(kind, fingerprint); err != nil {
		return err
	}
	registryID = strings.TrimSpace(registryID)
	if registryID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	result, err := s.db.ExecContext(ctx, s.dialect.attachRegistryID,
		registryID, defaultSalt, defaultIterations, s.now(), string(kind), fingerprint)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteByTaskID(ctx context.Context, kind RecordKind, trackerID string) (int, error) {
	if !kind.Valid() {
		return 0, ErrInvalidInput
	}
	trackerID = strings.TrimSpace(trackerID)
	if trackerID == "" {
		return 0, nil
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	result, err := s.db.ExecContext(ctx, s.dialect.deleteByTask, string(kind), trackerID)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *SQLStore) FindIdentityByTrackerUser(ctx context.Context, trackerUserID string) (*IdentityRecord, error) {
	trackerUserID = strings.TrimSpace(trackerUserID)
	if trackerUserID == "" {
		return nil, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return scanIdentity(s.db.QueryRowContext(ctx, s.dialect.identityByTracker, trackerUserID))
}

func (s *SQLStore) FindIdentityByRegistryUser(ctx context.Context, registryUserID string) (*IdentityRecord, error) {
	registryUserID = strings.TrimSpace(registryUserID)
	if registryUserID == "" {
		return nil, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return scanIdentity(s.db.QueryRowContext(ctx, s.dialect.identityByRegistry, registryUserID))
}

func (s *SQLStore) PutIdentity(ctx context.Context, identity IdentityRecord) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	trackerUserID := strings.TrimSpace(identity.TrackerUserID)
	registryUserID := strings.TrimSpace(identity.RegistryUserID)
	if _, err := tx.ExecContext(ctx, s.dialect.deleteIdentityClash, registryUserID, trackerUserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.dialect.upsertIdentity, trackerUserID, registryUserID, identity.DisplayName); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (*MappingRecord, error) {
	var (
		record     MappingRecord
		kind       string
		registryID sql.NullString
	)
	err := row.Scan(&kind, &record.Fingerprint, &record.TrackerID, &registryID,
		&record.Salt, &record.Iterations, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record.Kind = RecordKind(kind)
	if registryID.Valid {
		record.RegistryID = registryID.String
	}
	return &record, nil
}

func scanIdentity(row rowScanner) (*IdentityRecord, error) {
	var identity IdentityRecord
	err := row.Scan(&identity.TrackerUserID, &identity.RegistryUserID, &identity.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}
