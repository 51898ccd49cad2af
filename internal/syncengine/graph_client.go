package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	graphDefaultScope     = "https://graph.microsoft.com/.default"
	graphDefaultAuthority = "https://login.microsoftonline.com"
)

type GraphClientOptions struct {
	BaseURL string
	Token   TokenProvider
	SiteID  string
	Lists   map[RecordKind]string
	// Filters holds an optional $filter per kind, e.g. a content type.
	Filters map[RecordKind]string
	Retry   RetryOptions
}

// GraphClient reads SharePoint list items through Microsoft Graph.
type GraphClient struct {
	baseURL string
	token   TokenProvider
	siteID  string
	lists   map[RecordKind]string
	filters map[RecordKind]string
	http    retryingClient
}

// GraphClientCredentials builds the app-only token source for a tenant. An
// empty authority means the public Entra ID endpoint.
func GraphClientCredentials(ctx context.Context, authority, tenantID, clientID, clientSecret string) TokenProvider {
	authority = strings.TrimRight(strings.TrimSpace(authority), "/")
	if authority == "" {
		authority = graphDefaultAuthority
	}
	config := clientcredentials.Config{
		ClientID:     strings.TrimSpace(clientID),
		ClientSecret: strings.TrimSpace(clientSecret),
		TokenURL:     authority + "/" + url.PathEscape(strings.TrimSpace(tenantID)) + "/oauth2/v2.0/token",
		Scopes:       []string{graphDefaultScope},
	}
	return OAuth2Token(config.TokenSource(ctx))
}

func NewGraphClient(opts GraphClientOptions) *GraphClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com/v1.0"
	}
	return &GraphClient{
		baseURL: baseURL,
		token:   opts.Token,
		siteID:  strings.TrimSpace(opts.SiteID),
		lists:   opts.Lists,
		filters: opts.Filters,
		http:    newRetryingClient(opts.Retry),
	}
}

func (c *GraphClient) FetchRecentRecords(ctx context.Context, kind RecordKind, limit int) ([]RegistryRecord, error) {
	listID := strings.TrimSpace(c.lists[kind])
	if c.siteID == "" || listID == "" {
		return nil, fmt.Errorf("%w: no graph list configured for %s", ErrInvalidInput, kind)
	}
	if limit <= 0 {
		return nil, nil
	}
	query := url.Values{}
	query.Set("$expand", "fields")
	query.Set("$orderby", "fields/Modified desc")
	query.Set("$top", strconv.Itoa(limit))
	if filter := strings.TrimSpace(c.filters[kind]); filter != "" {
		query.Set("$filter", filter)
	}
	endpoint := c.baseURL + "/sites/" + url.PathEscape(c.siteID) + "/lists/" + url.PathEscape(listID) +
		"/items?" + query.Encode()

	header := http.Header{}
	header.Set("Prefer", "HonorNonIndexedQueriesWarningMayFailRandomly")
	body, err := c.http.do(ctx, outboundRequest{
		Method: http.MethodGet,
		URL:    endpoint,
		Token:  c.token,
		Header: header,
	})
	if err != nil {
		return nil, err
	}
	var page struct {
		Value []RegistryRecord `json:"value"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode graph list items: %w", err)
	}
	if len(page.Value) > limit {
		page.Value = page.Value[:limit]
	}
	return page.Value, nil
}
