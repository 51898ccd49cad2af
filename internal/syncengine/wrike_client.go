package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const wrikeDateLayout = "2006-01-02"

type WrikeClientOptions struct {
	BaseURL string
	Token   TokenProvider
	// Folders is where new tasks of each kind are created.
	Folders map[RecordKind]string
	Retry   RetryOptions
}

// WrikeClient talks to the Wrike v4 REST API.
type WrikeClient struct {
	baseURL string
	token   TokenProvider
	folders map[RecordKind]string
	http    retryingClient
}

func NewWrikeClient(opts WrikeClientOptions) *WrikeClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://www.wrike.com/api/v4"
	}
	folders := make(map[RecordKind]string, len(opts.Folders))
	for kind, folder := range opts.Folders {
		if folder = strings.TrimSpace(folder); folder != "" {
			folders[kind] = folder
		}
	}
	return &WrikeClient{
		baseURL: baseURL,
		token:   opts.Token,
		folders: folders,
		http:    newRetryingClient(opts.Retry),
	}
}

type wrikeTaskResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *WrikeClient) CreateTask(ctx context.Context, kind RecordKind, fields TaskFields) (string, error) {
	folder := c.folders[kind]
	if folder == "" {
		return "", fmt.Errorf("%w: no wrike folder configured for %s", ErrInvalidInput, kind)
	}
	form := wrikeTaskForm(fields, "responsibles")
	body, err := c.http.do(ctx, outboundRequest{
		Method:      http.MethodPost,
		URL:         c.baseURL + "/folders/" + url.PathEscape(folder) + "/tasks",
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		Token:       c.token,
	})
	if err != nil {
		return "", err
	}
	var parsed wrikeTaskResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode wrike task: %w", err)
	}
	if len(parsed.Data) == 0 || strings.TrimSpace(parsed.Data[0].ID) == "" {
		return "", fmt.Errorf("wrike create task: response carried no task id")
	}
	return parsed.Data[0].ID, nil
}

func (c *WrikeClient) UpdateTask(ctx context.Context, taskID string, fields TaskFields) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return ErrInvalidInput
	}
	form := wrikeTaskForm(fields, "addResponsibles")
	_, err := c.http.do(ctx, outboundRequest{
		Method:      http.MethodPut,
		URL:         c.baseURL + "/tasks/" + url.PathEscape(taskID),
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		Token:       c.token,
	})
	return err
}

// wrikeListPageSize is the largest page the folder task listing accepts.
const wrikeListPageSize = 1000

// ListTasks pages through the tasks of the folder configured for kind.
func (c *WrikeClient) ListTasks(ctx context.Context, kind RecordKind) ([]TrackedTask, error) {
	folder := c.folders[kind]
	if folder == "" {
		return nil, fmt.Errorf("%w: no wrike folder configured for %s", ErrInvalidInput, kind)
	}
	var (
		tasks     []TrackedTask
		pageToken string
	)
	for {
		query := url.Values{}
		query.Set("pageSize", strconv.Itoa(wrikeListPageSize))
		if pageToken != "" {
			query.Set("nextPageToken", pageToken)
		}
		body, err := c.http.do(ctx, outboundRequest{
			Method: http.MethodGet,
			URL:    c.baseURL + "/folders/" + url.PathEscape(folder) + "/tasks?" + query.Encode(),
			Token:  c.token,
		})
		if err != nil {
			return nil, err
		}
		var page struct {
			Data          []TrackedTask `json:"data"`
			NextPageToken string        `json:"nextPageToken"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode wrike folder tasks: %w", err)
		}
		tasks = append(tasks, page.Data...)
		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			return tasks, nil
		}
		pageToken = page.NextPageToken
	}
}

// FetchAttachment downloads the first attachment on a task. Completed order
// tasks carry exactly one document.
func (c *WrikeClient) FetchAttachment(ctx context.Context, taskID string) (Attachment, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Attachment{}, ErrInvalidInput
	}
	body, err := c.http.do(ctx, outboundRequest{
		Method: http.MethodGet,
		URL:    c.baseURL + "/tasks/" + url.PathEscape(taskID) + "/attachments",
		Token:  c.token,
	})
	if err != nil {
		return Attachment{}, err
	}
	var listing struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return Attachment{}, fmt.Errorf("decode wrike attachments: %w", err)
	}
	if len(listing.Data) == 0 {
		return Attachment{}, fmt.Errorf("%w: task %s has no attachments", ErrNotFound, taskID)
	}
	first := listing.Data[0]
	content, err := c.http.do(ctx, outboundRequest{
		Method: http.MethodGet,
		URL:    c.baseURL + "/attachments/" + url.PathEscape(first.ID) + "/download",
		Token:  c.token,
	})
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{ID: first.ID, Name: first.Name, Content: content}, nil
}

// wrikeTaskForm encodes fields the way the v4 API expects: scalars as plain
// values, structured parameters as JSON.
func wrikeTaskForm(fields TaskFields, responsiblesParam string) url.Values {
	form := url.Values{}
	if fields.Title != "" {
		form.Set("title", fields.Title)
	}
	if fields.Description != "" {
		form.Set("description", fields.Description)
	}
	if fields.Status != "" {
		form.Set("customStatus", fields.Status)
	}
	if fields.Importance != "" {
		form.Set("importance", fields.Importance)
	}
	if dates := wrikeDates(fields.StartDate, fields.DueDate); dates != "" {
		form.Set("dates", dates)
	}
	if len(fields.Responsibles) > 0 {
		encoded, _ := json.Marshal(fields.Responsibles)
		form.Set(responsiblesParam, string(encoded))
	}
	if len(fields.CustomFields) > 0 {
		ids := make([]string, 0, len(fields.CustomFields))
		for id := range fields.CustomFields {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		type customField struct {
			ID    string `json:"id"`
			Value string `json:"value"`
		}
		entries := make([]customField, 0, len(ids))
		for _, id := range ids {
			entries = append(entries, customField{ID: id, Value: fields.CustomFields[id]})
		}
		encoded, _ := json.Marshal(entries)
		form.Set("customFields", string(encoded))
	}
	return form
}

func wrikeDates(start, due *time.Time) string {
	if start == nil && due == nil {
		return ""
	}
	if start == nil {
		start = due
	}
	if due == nil || due.Before(*start) {
		due = start
	}
	encoded, _ := json.Marshal(map[string]string{
		"type":  "Planned",
		"start": start.Format(wrikeDateLayout),
		"due":   due.Format(wrikeDateLayout),
	})
	return string(encoded)
}
