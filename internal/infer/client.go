package infer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrOutOfMemory indicates the accelerator rejected a forward pass for lack
// of device memory. The pool reacts by flushing, halving the batch and
// retrying once.
var ErrOutOfMemory = errors.New("inference out of memory")

// ErrTimeout indicates the sidecar did not answer within the configured
// deadline. Timeouts are transient; affected jobs fail with a retryable
// reason rather than a hard error.
var ErrTimeout = errors.New("inference timed out")

// ClientConfig holds the sidecar connection settings.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("inference base_url is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return nil
}

// Client talks to the model-inference sidecar over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a sidecar client.
func NewClient(config *ClientConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// ImageInput identifies one image submitted for segmentation.
type ImageInput struct {
	ImageID  string `json:"image_id"`
	FilePath string `json:"file_path"`
}

// BatchRequest is one forward pass over a homogeneous batch. Stream selects
// the compute stream the sidecar executes on; each pool worker owns exactly
// one stream.
type BatchRequest struct {
	Model     string       `json:"model"`
	Threshold float64      `json:"threshold"`
	Stream    int          `json:"stream"`
	Images    []ImageInput `json:"images"`
}

// BatchResult carries the polygon set produced for one image.
type BatchResult struct {
	ImageID  string          `json:"image_id"`
	Polygons json.RawMessage `json:"polygons"`
}

type batchResponse struct {
	Results []BatchResult `json:"results"`
	Error   string        `json:"error"`
}

// MemoryStats reports device memory as seen by the sidecar.
type MemoryStats struct {
	AllocatedMB float64 `json:"allocated_mb"`
	TotalMB     float64 `json:"total_mb"`
}

// Usage returns the allocated fraction in [0, 1].
func (m *MemoryStats) Usage() float64 {
	if m.TotalMB <= 0 {
		return 0
	}
	return m.AllocatedMB / m.TotalMB
}

// BatchSegment runs one forward pass. Returns ErrOutOfMemory when the
// sidecar reports device memory exhaustion.
func (c *Client) BatchSegment(ctx context.Context, req *BatchRequest) ([]BatchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/batch-segment", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("batch segment request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch response: %w", err)
	}

	var decoded batchResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}

	if resp.StatusCode == http.StatusInsufficientStorage || isOOMMessage(decoded.Error) {
		return nil, fmt.Errorf("%w: %s", ErrOutOfMemory, decoded.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("batch segment returned status %d: %s", resp.StatusCode, decoded.Error)
	}

	return decoded.Results, nil
}

// GetMemoryStats queries the sidecar's device memory counters.
func (c *Client) GetMemoryStats(ctx context.Context) (*MemoryStats, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/memory", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build memory request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("memory stats request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memory stats returned status %d", resp.StatusCode)
	}

	var stats MemoryStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode memory stats: %w", err)
	}

	return &stats, nil
}

// Flush asks the sidecar to release cached device allocations and run a
// garbage collection pass.
func (c *Client) Flush(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/flush", nil)
	if err != nil {
		return fmt.Errorf("failed to build flush request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("flush request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("flush returned status %d", resp.StatusCode)
	}
	return nil
}

func isOOMMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "out of memory") || strings.Contains(lower, "oom")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
