package syncengine

import (
	"encoding/json"
	"fmt"
	"strings"
)

type EventType string

const (
	EventAssigneeAdded   EventType = "AssigneeAdded"
	EventAssigneeRemoved EventType = "AssigneeRemoved"
	EventReviewerSet     EventType = "ReviewerSet"
	EventReviewerCleared EventType = "ReviewerCleared"
	EventTaskDeleted     EventType = "TaskDeleted"
	EventOrderCompleted  EventType = "OrderCompleted"
	EventStatusNoop      EventType = "StatusNoop"
	EventUnrecognized    EventType = "Unrecognized"
)

// Topic is the field a webhook subscription reports on. Wrike subscriptions
// are registered per route, so the route fixes both kind and topic.
type Topic string

const (
	TopicAssignee Topic = "assignee"
	TopicReviewer Topic = "reviewer"
	TopicDelete   Topic = "delete"
	TopicStatus   Topic = "status"
)

type Route struct {
	Kind  RecordKind
	Topic Topic
}

func (r Route) String() string {
	return string(r.Kind) + "/" + string(r.Topic)
}

// SyncEvent is one decoded webhook event. Value carries the Wrike user id for
// assignee and reviewer events.
type SyncEvent struct {
	Type          EventType
	Kind          RecordKind
	TaskID        string
	CustomFieldID string
	Value         string
}

// WrikeEvent is the wire form of one entry in a Wrike webhook batch.
type WrikeEvent struct {
	TaskID              string          `json:"taskId"`
	WebhookID           string          `json:"webhookId,omitempty"`
	EventAuthorID       string          `json:"eventAuthorId,omitempty"`
	EventType           string          `json:"eventType,omitempty"`
	LastUpdatedDate     string          `json:"lastUpdatedDate,omitempty"`
	AddedResponsibles   []string        `json:"addedResponsibles,omitempty"`
	RemovedResponsibles []string        `json:"removedResponsibles,omitempty"`
	CustomFieldID       string          `json:"customFieldId,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	OldValue            json.RawMessage `json:"oldValue,omitempty"`
	Status              string          `json:"status,omitempty"`
	OldStatus           string          `json:"oldStatus,omitempty"`
}

const wrikeHandshakeRequestType = "WebHook secret verification"

// IsWrikeHandshake reports whether body is the one-time secret verification
// request Wrike sends when a webhook is registered.
func IsWrikeHandshake(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var envelope struct {
		RequestType string `json:"requestType"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return false
	}
	return envelope.RequestType == wrikeHandshakeRequestType
}

// DecodeWrikeBatch turns a raw delivery into one SyncEvent per entry, in
// delivery order.
func DecodeWrikeBatch(route Route, body []byte) ([]SyncEvent, error) {
	if !route.Kind.Valid() {
		return nil, fmt.Errorf("%w: route kind %q", ErrInvalidInput, route.Kind)
	}
	var raw []WrikeEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode wrike batch: %v", ErrInvalidInput, err)
	}
	events := make([]SyncEvent, 0, len(raw))
	for _, item := range raw {
		events = append(events, classifyWrikeEvent(route, item))
	}
	return events, nil
}

func classifyWrikeEvent(route Route, item WrikeEvent) SyncEvent {
	event := SyncEvent{
		Type:          EventUnrecognized,
		Kind:          route.Kind,
		TaskID:        strings.TrimSpace(item.TaskID),
		CustomFieldID: strings.TrimSpace(item.CustomFieldID),
	}
	switch route.Topic {
	case TopicAssignee:
		if user := firstNonEmpty(item.AddedResponsibles); user != "" {
			event.Type = EventAssigneeAdded
			event.Value = user
		} else if user := firstNonEmpty(item.RemovedResponsibles); user != "" {
			event.Type = EventAssigneeRemoved
			event.Value = user
		}
	case TopicReviewer:
		if event.CustomFieldID == "" {
			break
		}
		if user, cleared := customFieldUser(item.Value); cleared {
			event.Type = EventReviewerCleared
		} else {
			event.Type = EventReviewerSet
			event.Value = user
		}
	case TopicDelete:
		event.Type = EventTaskDeleted
	case TopicStatus:
		switch status := strings.TrimSpace(item.Status); {
		case strings.EqualFold(status, "Completed"):
			event.Type = EventOrderCompleted
		case status != "":
			event.Type = EventStatusNoop
		}
	}
	return event
}

// customFieldUser extracts the user id from a contact custom field value.
// Wrike reports these as a plain id, a JSON array of ids, or that array
// serialized into a string. An empty value means the field was cleared.
func customFieldUser(raw json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", true
	}
	if strings.HasPrefix(trimmed, "[") {
		return firstOfJSONArray(trimmed)
	}
	var text string
	if err := json.Unmarshal([]byte(trimmed), &text); err != nil {
		return "", true
	}
	text = strings.TrimSpace(text)
	if text == "" || text == `""` {
		return "", true
	}
	if strings.HasPrefix(text, "[") {
		return firstOfJSONArray(text)
	}
	return text, false
}

func firstOfJSONArray(raw string) (string, bool) {
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return "", true
	}
	if user := firstNonEmpty(values); user != "" {
		return user, false
	}
	return "", true
}

func firstNonEmpty(values []string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
