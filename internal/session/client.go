package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sceneforge/sceneforge/internal/domain"
)

// Client is the consumer-side HTTP client for the job API: create, cancel,
// and stream. The session manager drives it; it holds no session state.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewClient creates an API client acting as userID.
func NewClient(baseURL, userID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		// No overall timeout: the stream request stays open for the life
		// of a generation.
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		httpClient: httpClient,
	}
}

type createJobRequest struct {
	Mode     string              `json:"mode"`
	Model    string              `json:"model"`
	Requests []domain.SubRequest `json:"requests"`
}

// CreateJob submits a new generation job and returns its id.
func (c *Client) CreateJob(ctx context.Context, mode domain.JobMode, model string, requests []domain.SubRequest) (string, error) {
	payload, err := json.Marshal(createJobRequest{
		Mode:     string(mode),
		Model:    model,
		Requests: requests,
	})
	if err != nil {
		return "", fmt.Errorf("encode create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", c.userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read create response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("create job: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("create job: empty job id")
	}
	return out.JobID, nil
}

// CancelJob requests a cooperative stop for jobID.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs/"+jobID+"/cancel", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", c.userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("cancel job: status %d", resp.StatusCode)
	}
	return nil
}

// Stream opens the job's event stream and returns a channel of decoded
// events. The channel closes after the terminal event, on stream error, or
// when ctx is cancelled.
func (c *Client) Stream(ctx context.Context, jobID string) (<-chan domain.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID+"/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-User-ID", c.userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: status %d", resp.StatusCode)
	}

	out := make(chan domain.Event, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		readSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

// readSSE parses text/event-stream frames into events. Only the data lines
// matter; the event name is redundant with the decoded Type field.
func readSSE(ctx context.Context, body io.Reader, out chan<- domain.Event) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	flush := func() bool {
		if data.Len() == 0 {
			return true
		}
		var ev domain.Event
		err := json.Unmarshal([]byte(data.String()), &ev)
		data.Reset()
		if err != nil {
			return true
		}
		select {
		case out <- ev:
			return !ev.Type.Terminal()
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// event:/id:/retry: lines and comments are skipped.
		}
	}
	flush()
}
