package syncengine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultSalt       = "null"
	defaultIterations = 0
)

// MappingRecord links one Registry record to one Tracker task. The pair
// (Kind, Fingerprint) is unique and acts as the idempotency key.
type MappingRecord struct {
	Kind        RecordKind `json:"kind"`
	TrackerID   string     `json:"trackerId"`
	RegistryID  string     `json:"registryId,omitempty"`
	Fingerprint string     `json:"fingerprint"`
	Salt        string     `json:"salt"`
	Iterations  int        `json:"iterations"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IdentityRecord is one person known to both systems. The engine only reads
// these; they are written by the identity import path.
type IdentityRecord struct {
	TrackerUserID  string `json:"trackerUserId"`
	RegistryUserID string `json:"registryUserId"`
	DisplayName    string `json:"displayName"`
}

type MappingStore interface {
	// FindByTaskID returns nil, nil when no record references trackerID.
	FindByTaskID(ctx context.Context, kind RecordKind, trackerID string) (*MappingRecord, error)
	// FindByFingerprint returns nil, nil when the fingerprint is unknown.
	FindByFingerprint(ctx context.Context, kind RecordKind, fingerprint string) (*MappingRecord, error)
	// UpsertFingerprint inserts a record if (kind, fingerprint) is absent and
	// returns the stored record. created is true only for the call that inserted.
	UpsertFingerprint(ctx context.Context, kind RecordKind, fingerprint, trackerID string) (record MappingRecord, created bool, err error)
	AttachRegistryID(ctx context.Context, kind RecordKind, fingerprint, registryID string) error
	// DeleteByTaskID removes every record for trackerID and reports how many went.
	DeleteByTaskID(ctx context.Context, kind RecordKind, trackerID string) (int, error)
}

type IdentityStore interface {
	FindIdentityByTrackerUser(ctx context.Context, trackerUserID string) (*IdentityRecord, error)
	FindIdentityByRegistryUser(ctx context.Context, registryUserID string) (*IdentityRecord, error)
}

// Store is what every backend provides: the mapping relation, the identity
// table and the write path used by identity imports.
type Store interface {
	MappingStore
	IdentityStore
	PutIdentity(ctx context.Context, identity IdentityRecord) error
	Close() error
}

func validateMappingKey(kind RecordKind, fingerprint string) error {
	if !kind.Valid() || strings.TrimSpace(fingerprint) == "" {
		return ErrInvalidInput
	}
	return nil
}

func validateIdentity(identity IdentityRecord) error {
	if strings.TrimSpace(identity.TrackerUserID) == "" || strings.TrimSpace(identity.RegistryUserID) == "" {
		return ErrInvalidInput
	}
	return nil
}

func mappingKey(kind RecordKind, fingerprint string) string {
	return string(kind) + "|" + fingerprint
}

// mappingSnapshot is the serialized form of an in-memory store.
type mappingSnapshot struct {
	Version    int              `json:"version"`
	Mappings   []MappingRecord  `json:"mappings"`
	Identities []IdentityRecord `json:"identities"`
}

type InMemoryStore struct {
	mu               sync.RWMutex
	mappings         map[string]MappingRecord
	identities       map[string]IdentityRecord
	registryIdentity map[string]string
	now              func() time.Time
	// persist, when set, is called with the full state after each mutation
	// while the lock is held. A failing persist rolls the mutation back.
	persist func(*mappingSnapshot) error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		mappings:         map[string]MappingRecord{},
		identities:       map[string]IdentityRecord{},
		registryIdentity: map[string]string{},
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) FindByTaskID(ctx context.Context, kind RecordKind, trackerID string) (*MappingRecord, error) {
	if !kind.Valid() {
		return nil, ErrInvalidInput
	}
	trackerID = strings.TrimSpace(trackerID)
	if trackerID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *MappingRecord
	for _, record := range s.mappings {
		if record.Kind != kind || record.TrackerID != trackerID {
			continue
		}
		if found == nil || record.CreatedAt.Before(found.CreatedAt) ||
			(record.CreatedAt.Equal(found.CreatedAt) && record.Fingerprint < found.Fingerprint) {
			copied := record
			found = &copied
		}
	}
	return found, nil
}

func (s *InMemoryStore) FindByFingerprint(ctx context.Context, kind RecordKind, fingerprint string) (*MappingRecord, error) {
	if err := validateMappingKey(kind, fingerprint); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.mappings[mappingKey(kind, fingerprint)]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *InMemoryStore) UpsertFingerprint(ctx context.Context, kind RecordKind, fingerprint, trackerID string) (MappingRecord, bool, error) {
	if err := validateMappingKey(kind, fingerprint); err != nil {
		return MappingRecord{}, false, err
	}
	trackerID = strings.TrimSpace(trackerID)
	if trackerID == "" {
		return MappingRecord{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mappingKey(kind, fingerprint)
	if existing, ok := s.mappings[key]; ok {
		return existing, false, nil
	}
	now := s.now()
	record := MappingRecord{
		Kind:        kind,
		TrackerID:   trackerID,
		Fingerprint: fingerprint,
		Salt:        defaultSalt,
		Iterations:  defaultIterations,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mappings[key] = record
	if err := s.persistLocked(); err != nil {
		delete(s.mappings, key)
		return MappingRecord{}, false, err
	}
	return record, true, nil
}

func (s *InMemoryStore) AttachRegistryID(ctx context.Context, kind RecordKind, fingerprint, registryID string) error {
	if err := validateMappingKey(kind, fingerprint); err != nil {
		return err
	}
	registryID = strings.TrimSpace(registryID)
	if registryID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mappingKey(kind, fingerprint)
	previous, ok := s.mappings[key]
	if !ok {
		return ErrNotFound
	}
	updated := previous
	updated.RegistryID = registryID
	updated.Salt = defaultSalt
	updated.Iterations = defaultIterations
	updated.UpdatedAt = s.now()
	s.mappings[key] = updated
	if err := s.persistLocked(); err != nil {
		s.mappings[key] = previous
		return err
	}
	return nil
}

func (s *InMemoryStore) DeleteByTaskID(ctx context.Context, kind RecordKind, trackerID string) (int, error) {
	if !kind.Valid() {
		return 0, ErrInvalidInput
	}
	trackerID = strings.TrimSpace(trackerID)
	if trackerID == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := map[string]MappingRecord{}
	for key, record := range s.mappings {
		if record.Kind == kind && record.TrackerID == trackerID {
			removed[key] = record
			delete(s.mappings, key)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.persistLocked(); err != nil {
		for key, record := range removed {
			s.mappings[key] = record
		}
		return 0, err
	}
	return len(removed), nil
}

func (s *InMemoryStore) FindIdentityByTrackerUser(ctx context.Context, trackerUserID string) (*IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[strings.TrimSpace(trackerUserID)]
	if !ok {
		return nil, nil
	}
	return &identity, nil
}

func (s *InMemoryStore) FindIdentityByRegistryUser(ctx context.Context, registryUserID string) (*IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trackerUserID, ok := s.registryIdentity[strings.TrimSpace(registryUserID)]
	if !ok {
		return nil, nil
	}
	identity, ok := s.identities[trackerUserID]
	if !ok {
		return nil, nil
	}
	return &identity, nil
}

func (s *InMemoryStore) PutIdentity(ctx context.Context, identity IdentityRecord) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}
	identity.TrackerUserID = strings.TrimSpace(identity.TrackerUserID)
	identity.RegistryUserID = strings.TrimSpace(identity.RegistryUserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	// A registry user belongs to one tracker user: any other holder of the
	// registry id is dropped along with its reverse entry.
	displaced := map[string]IdentityRecord{}
	if previous, ok := s.identities[identity.TrackerUserID]; ok {
		displaced[previous.TrackerUserID] = previous
	}
	if holder, ok := s.registryIdentity[identity.RegistryUserID]; ok && holder != identity.TrackerUserID {
		if clash, ok := s.identities[holder]; ok {
			displaced[holder] = clash
		}
	}
	for trackerUserID, old := range displaced {
		delete(s.identities, trackerUserID)
		if s.registryIdentity[old.RegistryUserID] == trackerUserID {
			delete(s.registryIdentity, old.RegistryUserID)
		}
	}
	s.identities[identity.TrackerUserID] = identity
	s.registryIdentity[identity.RegistryUserID] = identity.TrackerUserID
	if err := s.persistLocked(); err != nil {
		delete(s.identities, identity.TrackerUserID)
		delete(s.registryIdentity, identity.RegistryUserID)
		for trackerUserID, old := range displaced {
			s.identities[trackerUserID] = old
			s.registryIdentity[old.RegistryUserID] = trackerUserID
		}
		return err
	}
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) persistLocked() error {
	if s.persist == nil {
		return nil
	}
	return s.persist(s.snapshotLocked())
}

func (s *InMemoryStore) snapshotLocked() *mappingSnapshot {
	snapshot := &mappingSnapshot{
		Version:    1,
		Mappings:   make([]MappingRecord, 0, len(s.mappings)),
		Identities: make([]IdentityRecord, 0, len(s.identities)),
	}
	for _, record := range s.mappings {
		snapshot.Mappings = append(snapshot.Mappings, record)
	}
	for _, identity := range s.identities {
		snapshot.Identities = append(snapshot.Identities, identity)
	}
	sort.Slice(snapshot.Mappings, func(i, j int) bool {
		return mappingKey(snapshot.Mappings[i].Kind, snapshot.Mappings[i].Fingerprint) <
			mappingKey(snapshot.Mappings[j].Kind, snapshot.Mappings[j].Fingerprint)
	})
	sort.Slice(snapshot.Identities, func(i, j int) bool {
		return snapshot.Identities[i].TrackerUserID < snapshot.Identities[j].TrackerUserID
	})
	return snapshot
}

func (s *InMemoryStore) restoreLocked(snapshot *mappingSnapshot) {
	if snapshot == nil {
		return
	}
	for _, record := range snapshot.Mappings {
		if validateMappingKey(record.Kind, record.Fingerprint) != nil {
			continue
		}
		s.mappings[mappingKey(record.Kind, record.Fingerprint)] = record
	}
	for _, identity := range snapshot.Identities {
		if validateIdentity(identity) != nil {
			continue
		}
		s.identities[identity.TrackerUserID] = identity
		s.registryIdentity[identity.RegistryUserID] = identity.TrackerUserID
	}
}
