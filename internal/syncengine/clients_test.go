package syncengine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryOptions {
	return RetryOptions{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryingClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			_, _ = io.WriteString(w, `{"ok":true}`)
		}
	}))
	defer server.Close()

	client := newRetryingClient(fastRetry())
	body, err := client.do(context.Background(), outboundRequest{
		Method: http.MethodGet,
		URL:    server.URL,
		Token:  StaticToken("tok"),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryingClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":{"code":"serviceNotAvailable","message":"try later"}}`)
	}))
	defer server.Close()

	_, err := newRetryingClient(fastRetry()).do(context.Background(), outboundRequest{Method: http.MethodGet, URL: server.URL})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, "serviceNotAvailable", httpErr.Code)
	assert.Equal(t, "try later", httpErr.Message)
	assert.Equal(t, int32(4), calls.Load())
}

func TestRetryingClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_parameter","errorDescription":"Bad title"}`)
	}))
	defer server.Close()

	_, err := newRetryingClient(fastRetry()).do(context.Background(), outboundRequest{Method: http.MethodGet, URL: server.URL})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "invalid_parameter", httpErr.Code)
	assert.Equal(t, "Bad title", httpErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryBackoff(t *testing.T) {
	client := newRetryingClient(RetryOptions{})
	assert.Equal(t, 100*time.Millisecond, client.backoff(1))
	assert.Equal(t, 200*time.Millisecond, client.backoff(2))
	assert.Equal(t, 400*time.Millisecond, client.backoff(3))
	assert.Equal(t, 2*time.Second, client.backoff(10))
	assert.Equal(t, 2*time.Second, client.backoff(100))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 4, 5, 0, time.UTC)
	cases := []struct {
		header string
		wait   time.Duration
		given  bool
	}{
		{"", 0, false},
		{"soon", 0, false},
		{"-3", 0, false},
		{"0", 0, true},
		{"7", 7 * time.Second, true},
		{"Sun, 10 Mar 2024 15:04:35 GMT", 30 * time.Second, true},
		{"Sun, 10 Mar 2024 15:00:00 GMT", 0, true},
	}
	for _, tc := range cases {
		wait, given := parseRetryAfter(tc.header, now)
		assert.Equal(t, tc.given, given, "header %q", tc.header)
		assert.Equal(t, tc.wait, wait, "header %q", tc.header)
	}
}

func TestRetryNextWait(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 4, 5, 0, time.UTC)
	client := newRetryingClient(RetryOptions{MaxRetryAfter: 10 * time.Second})
	client.now = func() time.Time { return now }
	ctx := context.Background()

	wait, ok := client.nextWait(ctx, 2, "")
	assert.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, wait)

	// A server hint replaces the backoff even when it is longer than maxDelay.
	wait, ok = client.nextWait(ctx, 1, "8")
	assert.True(t, ok)
	assert.Equal(t, 8*time.Second, wait)

	_, ok = client.nextWait(ctx, 1, "120")
	assert.False(t, ok, "hint beyond MaxRetryAfter ends the retries")

	deadlineCtx, cancel := context.WithDeadline(ctx, now.Add(5*time.Second))
	defer cancel()
	_, ok = client.nextWait(deadlineCtx, 1, "8")
	assert.False(t, ok, "pause past the deadline ends the retries")
}

func TestRetryingClientStopsOnLongRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"rate_limit_exceeded","errorDescription":"Rate limit exceeded"}`)
	}))
	defer server.Close()

	_, err := newRetryingClient(fastRetry()).do(context.Background(), outboundRequest{Method: http.MethodGet, URL: server.URL})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	assert.Equal(t, "rate_limit_exceeded", httpErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStaticTokenRejectsEmpty(t *testing.T) {
	_, err := StaticToken("  ")(context.Background())
	assert.Error(t, err)
}

func TestWrikeClientCreateTask(t *testing.T) {
	var form url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/folders/FOLDER-RFQ/tasks", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		_, _ = io.WriteString(w, `{"kind":"tasks","data":[{"id":"IEAFTASK1"}]}`)
	}))
	defer server.Close()

	client := NewWrikeClient(WrikeClientOptions{
		BaseURL: server.URL,
		Token:   StaticToken("wrike"),
		Folders: map[RecordKind]string{KindRFQ: "FOLDER-RFQ"},
		Retry:   fastRetry(),
	})
	taskID, err := client.CreateTask(context.Background(), KindRFQ, TaskFields{
		Title:        "Quote",
		Status:       "IEAF5SOTJMEAFYJS",
		Importance:   "High",
		StartDate:    day("2024-03-05"),
		DueDate:      day("2024-03-01"),
		Responsibles: []string{"KUA1"},
		CustomFields: map[string]string{"CF-REVIEWER": "KUA2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "IEAFTASK1", taskID)

	assert.Equal(t, "Quote", form.Get("title"))
	assert.Equal(t, "IEAF5SOTJMEAFYJS", form.Get("customStatus"))
	assert.Equal(t, "High", form.Get("importance"))
	assert.JSONEq(t, `["KUA1"]`, form.Get("responsibles"))
	assert.JSONEq(t, `[{"id":"CF-REVIEWER","value":"KUA2"}]`, form.Get("customFields"))
	assert.JSONEq(t, `{"type":"Planned","start":"2024-03-05","due":"2024-03-05"}`, form.Get("dates"))
	assert.Empty(t, form.Get("description"))

	_, err = client.CreateTask(context.Background(), KindOrder, TaskFields{Title: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestWrikeClientUpdateTaskAddsResponsibles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tasks/T9", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.JSONEq(t, `["KUA1"]`, r.PostForm.Get("addResponsibles"))
		assert.Empty(t, r.PostForm.Get("responsibles"))
		_, _ = io.WriteString(w, `{"data":[{"id":"T9"}]}`)
	}))
	defer server.Close()

	client := NewWrikeClient(WrikeClientOptions{BaseURL: server.URL, Token: StaticToken("wrike"), Retry: fastRetry()})
	require.NoError(t, client.UpdateTask(context.Background(), "T9", TaskFields{Responsibles: []string{"KUA1"}}))
	assert.ErrorIs(t, client.UpdateTask(context.Background(), " ", TaskFields{}), ErrInvalidInput)
}

func TestWrikeClientFetchAttachment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks/ORD1/attachments", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"id":"ATT1","name":"PO-1.pdf"}]}`)
	})
	mux.HandleFunc("/attachments/ATT1/download", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "%PDF-1.7")
	})
	mux.HandleFunc("/tasks/EMPTY/attachments", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewWrikeClient(WrikeClientOptions{BaseURL: server.URL, Token: StaticToken("wrike"), Retry: fastRetry()})
	attachment, err := client.FetchAttachment(context.Background(), "ORD1")
	require.NoError(t, err)
	assert.Equal(t, Attachment{ID: "ATT1", Name: "PO-1.pdf", Content: []byte("%PDF-1.7")}, attachment)

	_, err = client.FetchAttachment(context.Background(), "EMPTY")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWrikeClientListTasksFollowsPages(t *testing.T) {
	var pages atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/folders/F-RFQ/tasks", r.URL.Path)
		assert.Equal(t, "1000", r.URL.Query().Get("pageSize"))
		pages.Add(1)
		switch r.URL.Query().Get("nextPageToken") {
		case "":
			_, _ = io.WriteString(w, `{"kind":"tasks","nextPageToken":"PAGE2","data":[{"id":"T1","title":"RFQ one"}]}`)
		case "PAGE2":
			_, _ = io.WriteString(w, `{"kind":"tasks","data":[{"id":"T2","title":"RFQ two"}]}`)
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("nextPageToken"))
		}
	}))
	defer server.Close()

	client := NewWrikeClient(WrikeClientOptions{
		BaseURL: server.URL,
		Token:   StaticToken("wrike"),
		Folders: map[RecordKind]string{KindRFQ: "F-RFQ"},
		Retry:   fastRetry(),
	})
	tasks, err := client.ListTasks(context.Background(), KindRFQ)
	require.NoError(t, err)
	assert.Equal(t, []TrackedTask{{ID: "T1", Title: "RFQ one"}, {ID: "T2", Title: "RFQ two"}}, tasks)
	assert.Equal(t, int32(2), pages.Load())

	_, err = client.ListTasks(context.Background(), KindOrder)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestWrikeDates(t *testing.T) {
	assert.Empty(t, wrikeDates(nil, nil))
	assert.JSONEq(t, `{"type":"Planned","start":"2024-03-01","due":"2024-03-01"}`, wrikeDates(nil, day("2024-03-01")))
	assert.JSONEq(t, `{"type":"Planned","start":"2024-03-01","due":"2024-03-09"}`, wrikeDates(day("2024-03-01"), day("2024-03-09")))
}

func TestGraphClientFetchRecentRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sites/SITE/lists/LIST-RFQ/items", r.URL.Path)
		query := r.URL.Query()
		assert.Equal(t, "fields", query.Get("$expand"))
		assert.Equal(t, "fields/Modified desc", query.Get("$orderby"))
		assert.Equal(t, "2", query.Get("$top"))
		assert.Equal(t, "fields/ContentType eq 'RFQ'", query.Get("$filter"))
		assert.Equal(t, "HonorNonIndexedQueriesWarningMayFailRandomly", r.Header.Get("Prefer"))
		assert.Equal(t, "Bearer graph", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"value":[
			{"id":"1","webUrl":"https://x/1","createdBy":{"user":{"displayName":"System"}},"fields":{"Title":"A"}},
			{"id":"2","fields":{"Title":"B"}},
			{"id":"3","fields":{"Title":"C"}}
		]}`)
	}))
	defer server.Close()

	client := NewGraphClient(GraphClientOptions{
		BaseURL: server.URL,
		Token:   StaticToken("graph"),
		SiteID:  "SITE",
		Lists:   map[RecordKind]string{KindRFQ: "LIST-RFQ"},
		Filters: map[RecordKind]string{KindRFQ: "fields/ContentType eq 'RFQ'"},
		Retry:   fastRetry(),
	})
	records, err := client.FetchRecentRecords(context.Background(), KindRFQ, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0].ID)
	assert.Equal(t, "System", records[0].CreatedBy.User.DisplayName)
	assert.JSONEq(t, `{"Title":"A"}`, string(records[0].Fields))

	_, err = client.FetchRecentRecords(context.Background(), KindOrder, 2)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFlowClientApplyMutation(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewFlowClient(FlowClientOptions{URL: server.URL, Retry: fastRetry()})
	require.NoError(t, client.ApplyMutation(context.Background(), Mutation{
		Resource: "RFQ", Data: "Dana Reyes", ID: 7, Type: MutationAdd, Name: "null", Field: "assignee",
	}))
	assert.Equal(t, map[string]any{
		"resource": "RFQ", "data": "Dana Reyes", "id": float64(7), "type": "ADD", "name": "null", "field": "assignee",
	}, got)

	require.NoError(t, client.UploadOrder(context.Background(), "PO-1.pdf", []byte("%PDF")))
	assert.Equal(t, "Order", got["resource"])
	assert.Equal(t, "document", got["field"])
	assert.Equal(t, "PO-1.pdf", got["name"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF")), got["data"])
}

func TestFlowClientWithoutURL(t *testing.T) {
	assert.Error(t, NewFlowClient(FlowClientOptions{}).ApplyMutation(context.Background(), Mutation{}))
}
