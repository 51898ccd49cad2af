package syncengine

import (
	"context"
	"log/slog"
	"strings"
)

type MutationType string

const (
	MutationAdd    MutationType = "ADD"
	MutationRemove MutationType = "REMOVE"
)

const nullValue = "null"

// Mutation is the body the flow endpoint applies to one Graph list item.
type Mutation struct {
	Resource string       `json:"resource"`
	Data     string       `json:"data"`
	ID       int          `json:"id"`
	Type     MutationType `json:"type"`
	Name     string       `json:"name"`
	Field    string       `json:"field"`
}

type SkipReason string

const (
	SkipNoMapping       SkipReason = "no-mapping"
	SkipNoRegistryID    SkipReason = "no-registry-id"
	SkipUnknownIdentity SkipReason = "unknown-identity"
	SkipUnrelatedField  SkipReason = "unrelated-field"
	SkipUnrecognized    SkipReason = "unrecognized-event"
	SkipStatusNoop      SkipReason = "status-noop"
	SkipNoTaskID        SkipReason = "no-task-id"
)

// Translation is the outcome of one event: exactly one of Mutation and Skip
// is set.
type Translation struct {
	Mutation *Mutation
	Skip     SkipReason
}

func skip(reason SkipReason) Translation {
	return Translation{Skip: reason}
}

type TranslatorOptions struct {
	Mappings   MappingStore
	Identities IdentityStore
	// ReviewerFields maps each kind to the Wrike custom field holding its
	// reviewer. Reviewer events for any other field are skipped.
	ReviewerFields map[RecordKind]string
	Logger         *slog.Logger
	Metrics        *Metrics
}

// Translator turns assignee and reviewer events into flow mutations. It only
// reads from the stores.
type Translator struct {
	mappings       MappingStore
	identities     IdentityStore
	reviewerFields map[RecordKind]string
	logger         *slog.Logger
	metrics        *Metrics
}

func NewTranslator(opts TranslatorOptions) *Translator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fields := make(map[RecordKind]string, len(opts.ReviewerFields))
	for kind, id := range opts.ReviewerFields {
		if id = strings.TrimSpace(id); id != "" {
			fields[kind] = id
		}
	}
	return &Translator{
		mappings:       opts.Mappings,
		identities:     opts.Identities,
		reviewerFields: fields,
		logger:         logger,
		metrics:        opts.Metrics,
	}
}

// Translate returns an UpstreamError when a store read fails; every other
// outcome is a Translation.
func (t *Translator) Translate(ctx context.Context, event SyncEvent) (Translation, error) {
	field := translationField(event.Type)
	result, err := t.translate(ctx, event)
	switch {
	case err != nil:
		t.metrics.observeTranslation(event.Kind, field, "error")
	case result.Skip != "":
		t.metrics.observeTranslation(event.Kind, field, string(result.Skip))
		t.logger.Info("event skipped",
			"kind", event.Kind, "task_id", event.TaskID, "event", event.Type, "reason", result.Skip)
	default:
		t.metrics.observeTranslation(event.Kind, field, "mutation")
	}
	return result, err
}

func (t *Translator) translate(ctx context.Context, event SyncEvent) (Translation, error) {
	switch event.Type {
	case EventAssigneeAdded, EventAssigneeRemoved, EventReviewerSet, EventReviewerCleared:
	case EventStatusNoop:
		return skip(SkipStatusNoop), nil
	default:
		return skip(SkipUnrecognized), nil
	}
	if event.TaskID == "" {
		return skip(SkipNoTaskID), nil
	}
	if event.Type == EventReviewerSet || event.Type == EventReviewerCleared {
		if want := t.reviewerFields[event.Kind]; want == "" || want != event.CustomFieldID {
			return skip(SkipUnrelatedField), nil
		}
	}

	record, err := t.mappings.FindByTaskID(ctx, event.Kind, event.TaskID)
	if err != nil {
		return Translation{}, upstream("find mapping", err)
	}
	if record == nil {
		return skip(SkipNoMapping), nil
	}
	if strings.TrimSpace(record.RegistryID) == "" {
		return skip(SkipNoRegistryID), nil
	}
	itemID, err := parseRegistryItemID(record.RegistryID)
	if err != nil {
		t.logger.Warn("unparseable registry id",
			"kind", event.Kind, "task_id", event.TaskID, "registry_id", record.RegistryID, "err", err)
		return skip(SkipNoRegistryID), nil
	}

	mutation := &Mutation{
		Resource: event.Kind.Resource(),
		ID:       itemID,
		Name:     nullValue,
	}
	switch event.Type {
	case EventAssigneeAdded:
		mutation.Type, mutation.Field = MutationAdd, "assignee"
	case EventAssigneeRemoved:
		mutation.Type, mutation.Field = MutationRemove, "assignee"
	case EventReviewerSet:
		mutation.Type, mutation.Field = MutationAdd, "reviewer"
	case EventReviewerCleared:
		mutation.Type, mutation.Field = MutationRemove, "reviewer"
		mutation.Data = nullValue
		return Translation{Mutation: mutation}, nil
	}

	identity, err := t.identities.FindIdentityByTrackerUser(ctx, event.Value)
	if err != nil {
		return Translation{}, upstream("find identity", err)
	}
	if identity == nil {
		return skip(SkipUnknownIdentity), nil
	}
	mutation.Data = identity.DisplayName
	if strings.TrimSpace(mutation.Data) == "" {
		mutation.Data = identity.RegistryUserID
	}
	return Translation{Mutation: mutation}, nil
}

func translationField(eventType EventType) string {
	switch eventType {
	case EventAssigneeAdded, EventAssigneeRemoved:
		return "assignee"
	case EventReviewerSet, EventReviewerCleared:
		return "reviewer"
	case EventTaskDeleted:
		return "delete"
	case EventOrderCompleted, EventStatusNoop:
		return "status"
	default:
		return "unknown"
	}
}
