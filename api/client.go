package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dstockto/labprep/models"
	"github.com/icholy/digest"
)

var ErrRunNotFound = errors.New("no run found")

// Client talks to the robot's HTTP command server. A run is created first;
// commands are then posted to it one at a time and executed in order.
type Client struct {
	base       string // base API endpoint
	httpClient *http.Client
	runID      string
}

type Option func(*Client)

// WithDigestAuth enables HTTP digest authentication on every request.
func WithDigestAuth(username, password string) Option {
	return func(c *Client) {
		if username == "" {
			return
		}
		c.httpClient.Transport = &digest.Transport{
			Username: username,
			Password: password,
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

func NewClient(base string, opts ...Option) *Client {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type Health struct {
	Name       string `json:"name"`
	APIVersion string `json:"api_version"`
	FWVersion  string `json:"fw_version"`
	DoorOpen   bool   `json:"door_open"`
}

// Health checks that the robot is reachable.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type runRequest struct {
	Protocol string `json:"protocol"`
	RunID    string `json:"run_id"`
}

type Run struct {
	ID       string    `json:"id"`
	Protocol string    `json:"protocol"`
	Status   string    `json:"status"`
	Created  time.Time `json:"created"`
}

// CreateRun registers a new run on the robot; following Execute calls post to it.
func (c *Client) CreateRun(ctx context.Context, runID, protocol string) (*Run, error) {
	var out Run
	if err := c.do(ctx, http.MethodPost, "/runs", runRequest{Protocol: protocol, RunID: runID}, &out); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if out.ID == "" {
		out.ID = runID
	}
	c.runID = out.ID
	return &out, nil
}

func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var out Run
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute posts a single command to the current run and waits for the robot to finish it.
func (c *Client) Execute(ctx context.Context, cmd models.Command) error {
	if c.runID == "" {
		return errors.New("no run created")
	}
	return c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(c.runID)+"/commands?waitUntilComplete=true", cmd, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in any, out any) error {
	u, err := url.Parse(c.base + path)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/runs/") {
		return ErrRunNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
