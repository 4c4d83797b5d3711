package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/operatorsync/internal/metrics"
	"github.com/agentworkforce/operatorsync/internal/workup"
	"github.com/agentworkforce/operatorsync/internal/workupsync"
)

const (
	DefaultBaseURL           = "https://api.notion.com"
	DefaultAPIVersion        = "2022-06-28"
	DefaultRequestsPerSecond = 3
	queryPageSize            = 100
	maxListingPages          = 200
)

var ErrNotConfigured = errors.New("notion client is not configured")

// HTTPError is a non-2xx response that was not retried away.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("notion request failed: status=%d message=%s", e.StatusCode, e.Message)
}

type AccessTokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider that always yields token.
func StaticToken(token string) AccessTokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type Options struct {
	BaseURL       string
	DatabaseID    string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// Limiter paces every attempt, retries included. Defaults to 3 req/s.
	Limiter    *rate.Limiter
	Properties PropertyMap
	Metrics    *metrics.Metrics
}

// Client talks to one Notion database and implements workupsync.RemoteClient.
type Client struct {
	baseURL       string
	databaseID    string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	limiter       *rate.Limiter
	properties    PropertyMap
	metrics       *metrics.Metrics
}

var _ workupsync.RemoteClient = (*Client)(nil)

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), 1)
	}
	properties := opts.Properties
	if len(properties) == 0 {
		properties = DefaultPropertyMap()
	}
	return &Client{
		baseURL:       baseURL,
		databaseID:    strings.TrimSpace(opts.DatabaseID),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		limiter:       limiter,
		properties:    properties,
		metrics:       opts.Metrics,
	}
}

type page struct {
	ID             string                     `json:"id"`
	URL            string                     `json:"url"`
	LastEditedTime time.Time                  `json:"last_edited_time"`
	Archived       bool                       `json:"archived"`
	InTrash        bool                       `json:"in_trash"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

type queryResponse struct {
	Results    []page  `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor"`
}

// FetchListing reads every live row of the database, following cursors.
func (c *Client) FetchListing(ctx context.Context) ([]workup.RemoteRecord, error) {
	if c.databaseID == "" {
		return nil, ErrNotConfigured
	}
	path := "/v1/databases/" + url.PathEscape(c.databaseID) + "/query"
	out := []workup.RemoteRecord{}
	cursor := ""
	for i := 0; i < maxListingPages; i++ {
		body := map[string]any{"page_size": queryPageSize}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var resp queryResponse
		if err := c.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
			return nil, err
		}
		for _, p := range resp.Results {
			if p.Archived || p.InTrash {
				continue
			}
			out = append(out, c.remoteRecord(p))
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" || *resp.NextCursor == cursor {
			return out, nil
		}
		cursor = *resp.NextCursor
	}
	return nil, fmt.Errorf("notion listing exceeded %d pages", maxListingPages)
}

func (c *Client) CreateRecord(ctx context.Context, fields workup.Fields) (workupsync.RemoteRef, error) {
	if c.databaseID == "" {
		return workupsync.RemoteRef{}, ErrNotConfigured
	}
	body := map[string]any{
		"parent":     map[string]string{"database_id": c.databaseID},
		"properties": c.properties.Encode(fields),
	}
	var p page
	if err := c.doJSON(ctx, http.MethodPost, "/v1/pages", body, &p); err != nil {
		return workupsync.RemoteRef{}, err
	}
	return refOf(p), nil
}

func (c *Client) UpdateRecord(ctx context.Context, id string, fields workup.Fields) (workupsync.RemoteRef, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return workupsync.RemoteRef{}, fmt.Errorf("notion page id is required")
	}
	body := map[string]any{"properties": c.properties.Encode(fields)}
	var p page
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(id), body, &p); err != nil {
		return workupsync.RemoteRef{}, err
	}
	return refOf(p), nil
}

func (c *Client) remoteRecord(p page) workup.RemoteRecord {
	return workup.RemoteRecord{
		ID:           p.ID,
		URL:          p.URL,
		Fields:       c.properties.Decode(p.Properties),
		LastEditedAt: p.LastEditedTime,
	}
}

func refOf(p page) workupsync.RemoteRef {
	return workupsync.RemoteRef{ID: p.ID, URL: p.URL, LastEditedAt: p.LastEditedTime}
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("notion http client is nil")
	}
	if c.tokenProvider == nil {
		return fmt.Errorf("notion token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("notion token is empty")
	}
	var bodyBytes []byte
	if payload != nil {
		if bodyBytes, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	target := c.baseURL + path
	correlationID := "notion_" + uuid.NewString()

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Notion-Version", c.apiVersion)
		req.Header.Set("X-Correlation-Id", correlationID)
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.metrics.RecordNotionRequest(method, 0)
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		c.metrics.RecordNotionRequest(method, resp.StatusCode)
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode notion response: %w", err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return parseHTTPError(resp.StatusCode, respBody)
	}
}

func parseHTTPError(status int, body []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		httpErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			httpErr.Message = parsed.Message
		}
	}
	return httpErr
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
