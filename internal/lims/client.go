package lims

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
)

// DefaultTimeout bounds every LIMS request.
const DefaultTimeout = 5 * time.Second

// ErrNotFound is returned when the LIMS does not know an experiment.
var ErrNotFound = errors.New("lims: not found")

// HTTPDoer is the subset of *http.Client used by the client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is a non-success response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("lims: %s %s: status %d", e.Method, e.Path, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client is a LIMS API client.
type Client struct {
	baseURL string
	token   string
	client  HTTPDoer
}

// NewClient returns a client for the API rooted at baseURL.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return NewClientWithDoer(baseURL, token, &http.Client{Timeout: timeout})
}

// NewClientWithDoer returns a client issuing requests through doer.
func NewClientWithDoer(baseURL, token string, doer HTTPDoer) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("lims: invalid base url %q", baseURL)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/") + "/", token: token, client: doer}, nil
}

// Experiments lists the experiments matching q.
func (c *Client) Experiments(ctx context.Context, q Query) ([]Experiment, error) {
	p := "experiments"
	if q.WithSourceDir {
		p = "experiments/with_sourcedir"
	}
	params := url.Values{}
	for _, s := range q.JobStates {
		params.Add("expState", string(s))
	}
	if q.StorageState != "" {
		params.Set("storageState", string(q.StorageState))
	}
	if len(params) > 0 {
		p += "?" + params.Encode()
	}
	var out []Experiment
	if err := c.do(ctx, http.MethodGet, p, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Experiment fetches one experiment.
func (c *Client) Experiment(ctx context.Context, id string) (Experiment, error) {
	var out Experiment
	err := c.do(ctx, http.MethodGet, "experiments/"+url.PathEscape(id), "", nil, &out)
	return out, err
}

// PatchExperiment replaces the given (possibly nested) fields of an
// experiment.
func (c *Client) PatchExperiment(ctx context.Context, id string, changes map[string]any) error {
	ops := DictToPatch(changes)
	if len(ops) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPatch, "experiments/"+url.PathEscape(id), "application/json-patch+json", ops, nil)
}

// SendEmail asks the LIMS to send an e-mail about an experiment.
func (c *Client) SendEmail(ctx context.Context, id string, email Email) error {
	return c.do(ctx, http.MethodPost, "experiments/"+url.PathEscape(id)+"/email", "application/json", email, nil)
}

// SubmitLogs appends records to the experiment log.
func (c *Client) SubmitLogs(ctx context.Context, records []LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "experiments/logs", "application/json", records, nil)
}

func (c *Client) do(ctx context.Context, method, p, contentType string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("lims: encode %s %s: %w", method, p, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, body)
	if err != nil {
		return fmt.Errorf("lims: build %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("lims: %s %s: %w", method, p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: p, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("lims: decode %s %s: %w", method, p, err)
	}
	return nil
}
