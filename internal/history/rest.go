package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx reply from the call-log service
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("history: api returned %d: %s", e.Status, e.Message)
}

// PermissionReport tells the service which device permissions the user
// granted
type PermissionReport struct {
	Camera       bool      `json:"camera"`
	Microphone   bool      `json:"microphone"`
	Notification bool      `json:"notification"`
	ReportedAt   time.Time `json:"reportedAt"`
}

// RESTClient talks to the call-log HTTP API with a bearer token
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewRESTClient creates a client for the API rooted at baseURL
func NewRESTClient(baseURL, token string, client *http.Client) *RESTClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    client,
	}
}

// RecordCallLog reports a finished call
func (c *RESTClient) RecordCallLog(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/calls", e, nil)
}

// FetchHistory returns one page of the server-side history, newest first
func (c *RESTClient) FetchHistory(ctx context.Context, limit, offset int) ([]Entry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/calls"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page struct {
		Calls []Entry `json:"calls"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Calls, nil
}

// ReportPermission sends the device's permission state
func (c *RESTClient) ReportPermission(ctx context.Context, r PermissionReport) error {
	if r.ReportedAt.IsZero() {
		r.ReportedAt = time.Now().UTC()
	}
	return c.do(ctx, http.MethodPost, "/reports/permissions", r, nil)
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("history: encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("history: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("history: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("history: decode response: %w", err)
	}
	return nil
}
