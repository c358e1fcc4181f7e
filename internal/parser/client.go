package parser

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Job status values reported by the parse service.
const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// pageSeparator delimits pages in the markdown result.
const pageSeparator = "\n---\n"

// Client talks to the external document parse service. Documents are
// submitted for asynchronous parsing and polled until a terminal status.
type Client struct {
	client  *resty.Client
	baseURL string
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type jobStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type markdownResponse struct {
	Markdown string `json:"markdown"`
}

// NewClient creates a parse service client.
func NewClient(baseURL, apiKey string) *Client {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+apiKey)

	return &Client{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// Submit uploads a document for parsing and returns the provider job ID.
func (c *Client) Submit(ctx context.Context, fileName string, reader io.Reader) (string, error) {
	var result submitResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetFileReader("file", fileName, reader).
		SetResult(&result).
		Post(c.baseURL + "/upload")
	if err != nil {
		return "", fmt.Errorf("parse submit failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("parse submit returned status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.ID == "" {
		return "", fmt.Errorf("parse submit response missing job id")
	}

	return result.ID, nil
}

// Status returns the current status of a parse job.
func (c *Client) Status(ctx context.Context, jobID string) (string, error) {
	var result jobStatusResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get(c.baseURL + "/job/" + jobID)
	if err != nil {
		return "", fmt.Errorf("parse status failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("parse status returned status %d: %s", resp.StatusCode(), resp.String())
	}

	return result.Status, nil
}

// FetchPages retrieves the markdown result of a completed parse job and
// splits it into per-page text. Empty pages are dropped.
func (c *Client) FetchPages(ctx context.Context, jobID string) ([]string, error) {
	var result markdownResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get(c.baseURL + "/job/" + jobID + "/result/markdown")
	if err != nil {
		return nil, fmt.Errorf("parse result failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("parse result returned status %d: %s", resp.StatusCode(), resp.String())
	}

	return SplitPages(result.Markdown), nil
}

// SplitPages splits parsed markdown into trimmed per-page text.
func SplitPages(markdown string) []string {
	raw := strings.Split(markdown, pageSeparator)
	pages := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		pages = append(pages, p)
	}
	return pages
}
