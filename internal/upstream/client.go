package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/internal/domain"
)

// TokenSource supplies the bearer credential for upstream calls. The token is
// captured and refreshed out-of-band; this package only consumes it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RateLimitedError reports an upstream 429. It is a distinct classification
// from hard errors because it drives backoff rather than failure.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream rate limited, retry after %s", e.RetryAfter)
	}
	return "upstream rate limited"
}

// HardError reports a non-retryable upstream rejection.
type HardError struct {
	StatusCode int
	Message    string
}

func (e *HardError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

// Options configures the upstream client.
type Options struct {
	StatusURL  string
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     zerolog.Logger
}

// Client is a thin, stateless transport over the provider's two operations:
// submit and status check. It classifies responses and parses handles,
// generation ids and artifact URLs. It never retries; retry policy belongs
// to the caller.
type Client struct {
	statusURL  string
	httpClient *http.Client
	tokens     TokenSource
	logger     zerolog.Logger
}

// NewClient builds an upstream client.
func NewClient(opts Options) (*Client, error) {
	if opts.StatusURL == "" {
		return nil, fmt.Errorf("status url is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		statusURL:  opts.StatusURL,
		httpClient: httpClient,
		tokens:     opts.Tokens,
		logger:     opts.Logger,
	}, nil
}

type submitResponse struct {
	Name       string `json:"name"`
	Operations []struct {
		Operation struct {
			Name string `json:"name"`
		} `json:"operation"`
		Name string `json:"name"`
	} `json:"operations"`
}

// Submit executes the job's sub-request descriptors in order, one network
// call each with no internal retry, and returns the operation handles
// order-correlated with the requests. The first failure aborts.
func (c *Client) Submit(ctx context.Context, reqs []domain.SubRequest) ([]string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if token == "" {
		return nil, domain.ErrCredentialMissing
	}

	var handles []string
	for i, sub := range reqs {
		body, err := c.do(ctx, token, sub.Method, sub.URL, sub.Headers, sub.Payload)
		if err != nil {
			return nil, fmt.Errorf("submit request %d: %w", i, err)
		}
		parsed, err := parseSubmitResponse(body)
		if err != nil {
			return nil, fmt.Errorf("submit request %d: %w", i, err)
		}
		handles = append(handles, parsed...)
	}
	return handles, nil
}

func parseSubmitResponse(body []byte) ([]string, error) {
	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	var handles []string
	for _, op := range resp.Operations {
		name := op.Operation.Name
		if name == "" {
			name = op.Name
		}
		if name != "" {
			handles = append(handles, name)
		}
	}
	if len(handles) == 0 && resp.Name != "" {
		handles = append(handles, resp.Name)
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("submit response contains no operation handles")
	}
	return handles, nil
}

type statusRequest struct {
	Operations []statusRequestOp `json:"operations"`
}

type statusRequestOp struct {
	Operation struct {
		Name string `json:"name"`
	} `json:"operation"`
}

type statusResponse struct {
	Operations []struct {
		Operation struct {
			Name string `json:"name"`
		} `json:"operation"`
		Status string `json:"status"`
		Error  struct {
			Message string `json:"message"`
		} `json:"error"`
		Artifact struct {
			GenerationID string `json:"generationId"`
			URI          string `json:"uri"`
		} `json:"artifact"`
	} `json:"operations"`
}

// CheckStatus asks the provider for the current state of every handle and
// returns results in handle order. A handle absent from the response is
// reported as still pending.
func (c *Client) CheckStatus(ctx context.Context, handles []string) ([]domain.OperationResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if token == "" {
		return nil, domain.ErrCredentialMissing
	}

	var req statusRequest
	for _, h := range handles {
		var op statusRequestOp
		op.Operation.Name = h
		req.Operations = append(req.Operations, op)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode status request: %w", err)
	}

	body, err := c.do(ctx, token, http.MethodPost, c.statusURL, nil, payload)
	if err != nil {
		return nil, err
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	byHandle := make(map[string]domain.OperationResult, len(resp.Operations))
	for _, op := range resp.Operations {
		byHandle[op.Operation.Name] = domain.OperationResult{
			Handle:       op.Operation.Name,
			Status:       domain.OperationStatus(op.Status),
			ArtifactURL:  op.Artifact.URI,
			GenerationID: op.Artifact.GenerationID,
			ErrorMessage: op.Error.Message,
		}
	}

	results := make([]domain.OperationResult, 0, len(handles))
	for _, h := range handles {
		if r, ok := byHandle[h]; ok {
			results = append(results, r)
			continue
		}
		results = append(results, domain.OperationResult{Handle: h, Status: domain.OperationPending})
	}
	return results, nil
}

func (c *Client) do(ctx context.Context, token, method, url string, headers map[string]string, payload []byte) ([]byte, error) {
	if method == "" {
		method = http.MethodPost
	}
	var reader io.Reader
	if len(payload) > 0 {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call upstream: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: retryAfterHint(resp)}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, domain.ErrCredentialExpired
	default:
		return nil, &HardError{StatusCode: resp.StatusCode, Message: bodySnippet(body)}
	}
}

func retryAfterHint(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	if s == "" {
		s = "no response body"
	}
	return s
}
