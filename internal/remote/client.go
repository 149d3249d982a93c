package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/syncerr"
)

const (
	defaultClientTimeout = 30 * time.Second
	defaultRateLimit     = 20
	maxResponseBytes     = 32 << 20

	PathLookup          = "/v1/lookup"
	PathRows            = "/v1/rows"
	PathClosureDownload = "/v1/closure/download"
	PathMutations       = "/v1/mutations"
)

// RowsRequest is the body of PathRows.
type RowsRequest struct {
	Category graph.Category `json:"category"`
	IDs      []string       `json:"ids"`
}

// ClosureRequest is the body of PathClosureDownload. The profile comes from the token.
type ClosureRequest struct {
	Root graph.Ref `json:"root"`
}

// LookupResponse wraps lookup results.
type LookupResponse struct {
	Links []graph.Link `json:"links"`
}

// RowsResponse wraps fetched rows.
type RowsResponse struct {
	Rows []entities.Row `json:"rows"`
}

// ErrorResponse is the error body returned by the remote API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StatusError is a non-2xx answer from the remote API.
type StatusError struct {
	Status int
	Code   string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote responded %d (%s): %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("remote responded %d: %s", e.Status, e.Body)
}

// ClientConfig wires a Client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// RateLimit caps requests per second; zero uses the default, negative disables throttling.
	RateLimit float64
	Logger    *zap.Logger
}

// Client talks to a remote Service over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	var limiter *rate.Limiter
	switch {
	case cfg.RateLimit == 0:
		limiter = rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateLimit)
	case cfg.RateLimit > 0:
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

func (c *Client) Lookup(ctx context.Context, lookup graph.Lookup) ([]graph.Link, error) {
	if err := lookup.Validate(); err != nil {
		return nil, err
	}
	var response LookupResponse
	if err := c.post(ctx, PathLookup, lookup, &response); err != nil {
		return nil, err
	}
	return response.Links, nil
}

func (c *Client) Fetch(ctx context.Context, category graph.Category, ids []string) ([]entities.Row, error) {
	var rows []entities.Row
	for start := 0; start < len(ids); start += graph.MaxLookupValues {
		end := start + graph.MaxLookupValues
		if end > len(ids) {
			end = len(ids)
		}
		var response RowsResponse
		if err := c.post(ctx, PathRows, RowsRequest{Category: category, IDs: ids[start:end]}, &response); err != nil {
			return nil, err
		}
		rows = append(rows, response.Rows...)
	}
	return rows, nil
}

// DownloadClosure asks the remote to flag the closure of root. The profile must
// match the token subject; the server ignores anything else.
func (c *Client) DownloadClosure(ctx context.Context, root graph.Ref, _ string) (ClosureOutcome, error) {
	var outcome ClosureOutcome
	err := c.post(ctx, PathClosureDownload, ClosureRequest{Root: root}, &outcome)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotImplemented {
		return ClosureOutcome{}, ErrClosureUnsupported
	}
	return outcome, err
}

func (c *Client) Apply(ctx context.Context, mutation Mutation) error {
	return c.post(ctx, PathMutations, mutation, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, target any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("remote request failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %v", syncerr.ErrNetworkUnavailable, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrNetworkUnavailable, err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := &StatusError{Status: response.StatusCode, Body: strings.TrimSpace(string(raw))}
		var decoded ErrorResponse
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
			statusErr.Body = decoded.Error
			statusErr.Code = decoded.Code
		}
		if response.StatusCode >= http.StatusInternalServerError && response.StatusCode != http.StatusNotImplemented {
			return fmt.Errorf("%w: %v", syncerr.ErrNetworkUnavailable, statusErr)
		}
		return statusErr
	}
	if target == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
