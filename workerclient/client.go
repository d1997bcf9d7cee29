// Package workerclient is a thin wrapper over the node-graph worker's HTTP
// API: submission, polling, and file transfer. There is no published Go SDK
// for this worker, so the interface wraps raw net/http calls directly,
// mirroring the thin-interface-over-SDK pattern the rest of this codebase
// uses for external services.
package workerclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Client is the set of operations this codebase performs against the
// node-graph worker, as defined in section 4.4.
type Client interface {
	Submit(ctx context.Context, graph map[string]any) (string, error)
	History(ctx context.Context, correlationID string) (*HistoryRecord, error)
	Wait(ctx context.Context, correlationID string, timeout, pollInterval time.Duration) (*Outcome, error)
	Fetch(ctx context.Context, filename, subfolder, folderKind string) ([]byte, error)
	Upload(ctx context.Context, data []byte, filename string) (string, error)
	Stats(ctx context.Context) (map[string]any, error)
	DeleteOutput(ctx context.Context, filename, subfolder, folderKind string) error
}

// HistoryRecord is the worker's history response for a single correlation id.
type HistoryRecord struct {
	Status  Status                    `json:"status"`
	Outputs map[string]NodeOutput     `json:"outputs"`
}

// Status reports a submitted graph's completion state.
type Status struct {
	Completed bool       `json:"completed"`
	StatusStr string     `json:"status_str"`
	Messages  [][]string `json:"messages"`
}

// NodeOutput is a single node's output entry, which may carry images.
type NodeOutput struct {
	Images []ImageRef `json:"images"`
}

// ImageRef identifies a single output image on the worker's filesystem.
type ImageRef struct {
	Filename string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type     string `json:"type"`
}

// Outcome is the result of a completed Wait call.
type Outcome struct {
	Images []ImageRef
	Error  string // non-empty iff the graph failed
}

type httpClient struct {
	baseURL string
	hc      *http.Client
}

var _ Client = (*httpClient)(nil)

// New creates a Client against baseURL (e.g. "http://127.0.0.1:8188").
func New(baseURL string) Client {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{},
	}
}

// Submit POSTs a node-graph to /prompt and returns the worker's prompt id.
func (c *httpClient) Submit(ctx context.Context, graph map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"prompt": graph})
	if err != nil {
		return "", fmt.Errorf("workerclient: failed to encode graph: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("workerclient: failed to build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("workerclient: submit request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("workerclient: submit returned status %d", resp.StatusCode)
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("workerclient: failed to decode submit response: %w", err)
	}
	return out.PromptID, nil
}

// History GETs /history/{id}. A missing entry returns nil, nil: the worker
// has not started processing it yet.
func (c *httpClient) History(ctx context.Context, correlationID string) (*HistoryRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(correlationID), nil)
	if err != nil {
		return nil, fmt.Errorf("workerclient: failed to build history request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workerclient: history request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("workerclient: history returned status %d", resp.StatusCode)
	}

	var envelope map[string]HistoryRecord
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("workerclient: failed to decode history response: %w", err)
	}
	rec, ok := envelope[correlationID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Wait polls History until the graph completes, fails, or timeout elapses.
func (c *httpClient) Wait(ctx context.Context, correlationID string, timeout, pollInterval time.Duration) (*Outcome, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		rec, err := c.History(ctx, correlationID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			if rec.Status.Completed {
				return &Outcome{Images: extractImages(rec.Outputs)}, nil
			}
			if rec.Status.StatusStr == "error" {
				msg := "unknown worker error"
				if len(rec.Status.Messages) > 0 && len(rec.Status.Messages[0]) > 1 {
					msg = rec.Status.Messages[0][1]
				}
				return &Outcome{Error: msg}, nil
			}
		}

		if time.Now().After(deadline) {
			return &Outcome{Error: "timed out waiting for worker"}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// bareNoneToken matches "none" as a standalone word, not as a substring of
// an unrelated token (e.g. it must not match "noneType" or "someone").
var bareNoneToken = regexp.MustCompile(`\bnone\b`)

// IsTransientFailure reports whether an Outcome's error message matches a
// known model-load race condition (section 4.4's retry policy). The
// pipeline retries these up to 3 total attempts with a fixed 2s backoff;
// any other failure is final.
func IsTransientFailure(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "clip input is invalid") || bareNoneToken.MatchString(lower)
}

// extractImages flattens every output entry's images array into a single
// slice. Images within one node keep their order; outputs is a map, so the
// order across nodes is not defined.
func extractImages(outputs map[string]NodeOutput) []ImageRef {
	var images []ImageRef
	for _, out := range outputs {
		images = append(images, out.Images...)
	}
	return images
}

// Fetch GETs /view with the given parameters and returns the raw bytes.
func (c *httpClient) Fetch(ctx context.Context, filename, subfolder, folderKind string) ([]byte, error) {
	u := c.baseURL + "/view?filename=" + url.QueryEscape(filename) +
		"&subfolder=" + url.QueryEscape(subfolder) +
		"&type=" + url.QueryEscape(folderKind)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("workerclient: failed to build fetch request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workerclient: fetch request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("workerclient: fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("workerclient: failed to read fetch response: %w", err)
	}
	return data, nil
}

// Upload POSTs image bytes to the worker's upload endpoint and returns the
// filename the worker recognizes for subsequent references.
func (c *httpClient) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("workerclient: failed to create upload part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("workerclient: failed to write upload part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("workerclient: failed to finalize upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return "", fmt.Errorf("workerclient: failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("workerclient: upload request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("workerclient: upload returned status %d", resp.StatusCode)
	}

	var out struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("workerclient: failed to decode upload response: %w", err)
	}
	if out.Name == "" {
		out.Name = filename
	}
	return out.Name, nil
}

// DeleteOutput best-effort removes a produced image from the worker's output
// tree once the pipeline has a durable copy of its own. Not every worker
// exposes a delete endpoint; a non-2xx response or transport error is
// swallowed rather than surfaced, since this cleanup is advisory.
func (c *httpClient) DeleteOutput(ctx context.Context, filename, subfolder, folderKind string) error {
	u := c.baseURL + "/view?filename=" + url.QueryEscape(filename) +
		"&subfolder=" + url.QueryEscape(subfolder) +
		"&type=" + url.QueryEscape(folderKind)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return nil
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil
	}
	_ = resp.Body.Close()
	return nil
}

// Stats GETs /system_stats, used only by health checks.
func (c *httpClient) Stats(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return nil, fmt.Errorf("workerclient: failed to build stats request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workerclient: stats request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("workerclient: stats returned status %d", resp.StatusCode)
	}

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("workerclient: failed to decode stats response: %w", err)
	}
	return stats, nil
}
