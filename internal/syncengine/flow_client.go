package syncengine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type FlowClientOptions struct {
	URL   string
	Retry RetryOptions
}

// FlowClient posts list item edits to the automation flow that owns writes
// to the Graph lists. The flow URL embeds its own signature, so no token is sent.
type FlowClient struct {
	url  string
	http retryingClient
}

func NewFlowClient(opts FlowClientOptions) *FlowClient {
	return &FlowClient{
		url:  strings.TrimSpace(opts.URL),
		http: newRetryingClient(opts.Retry),
	}
}

type orderUpload struct {
	Resource string       `json:"resource"`
	Type     MutationType `json:"type"`
	Field    string       `json:"field"`
	Name     string       `json:"name"`
	Data     string       `json:"data"`
}

func (c *FlowClient) ApplyMutation(ctx context.Context, mutation Mutation) error {
	return c.patch(ctx, mutation)
}

func (c *FlowClient) UploadOrder(ctx context.Context, name string, content []byte) error {
	return c.patch(ctx, orderUpload{
		Resource: KindOrder.Resource(),
		Type:     MutationAdd,
		Field:    "document",
		Name:     name,
		Data:     base64.StdEncoding.EncodeToString(content),
	})
}

func (c *FlowClient) patch(ctx context.Context, payload any) error {
	if c == nil || c.url == "" {
		return errors.New("flow url is not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.http.do(ctx, outboundRequest{
		Method: http.MethodPatch,
		URL:    c.url,
		Body:   body,
	})
	return err
}
