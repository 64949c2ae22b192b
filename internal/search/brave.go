// Package search wraps the Brave web search API. The orchestration engine
// treats it as an external collaborator: an empty result list is a normal
// outcome (rendered as a localized sentinel), while transport or auth
// failures are hard errors.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const defaultEndpoint = "https://api.search.brave.com/res/v1/web/search"

// NoResults is returned by FormatResults when the API finds nothing.
const NoResults = "没有找到相关搜索结果。"

// Result is one ranked search hit.
type Result struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// Client queries the Brave web search API.
type Client struct {
	endpoint   string
	apiKey     string
	count      int
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API endpoint (used in tests).
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithCount sets how many results to request (default 5).
func WithCount(n int) Option {
	return func(c *Client) { c.count = n }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a search client.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint:   defaultEndpoint,
		apiKey:     apiKey,
		count:      5,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type braveResponse struct {
	Web struct {
		Results []Result `json:"results"`
	} `json:"web"`
}

// Search returns ranked results for the query. An empty slice with a nil
// error means the search ran and found nothing.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("brave search: API key not set")
	}

	u := c.endpoint + "?q=" + url.QueryEscape(query) + "&count=" + strconv.Itoa(c.count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave search: status %d %s", resp.StatusCode, resp.Status)
	}

	var body braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("brave search: decode: %w", err)
	}
	return body.Web.Results, nil
}

// FormatResults renders results as numbered context text, or the NoResults
// sentinel for an empty list.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return NoResults
	}
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("%d. %s\n%s\n%s", i+1, r.Title, r.Description, r.URL)
	}
	return strings.Join(parts, "\n\n")
}
