package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status     int
	Message    string
	Reason     string
	RetryAfter int64
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry in %s)", time.Duration(e.RetryAfter)*time.Second)
	}
	return msg
}

// Client talks to the mediagate HTTP API on behalf of one user.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

func NewClient(baseURL, userID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{},
	}
}

// Submit uploads the file at path. The body is streamed through a pipe so
// large media never sits in memory.
func (c *Client) Submit(ctx context.Context, path, name, action string, wait bool) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeForm(mw, f, name, action, wait)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeForm(mw *multipart.Writer, src io.Reader, name, action string, wait bool) error {
	if action != "" {
		if err := mw.WriteField("action", action); err != nil {
			return err
		}
	}
	if err := mw.WriteField("wait", strconv.FormatBool(wait)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, src)
	return err
}

func (c *Client) Job(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(id), nil, nil)
}

// Download writes the job output into dir and returns the file path.
func (c *Client) Download(ctx context.Context, id, dir string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/output", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", decodeError(resp)
	}

	name := "output.bin"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = filepath.Base(params["filename"])
	}
	dst := filepath.Join(dir, name)
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return dst, nil
}

func (c *Client) History(ctx context.Context, limit int) ([]map[string]any, error) {
	var out struct {
		Entries []map[string]any `json:"entries"`
	}
	path := fmt.Sprintf("/api/v1/users/%s/history?limit=%d", url.PathEscape(c.userID), limit)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(c.userID)+"/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Settings(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(c.userID)+"/settings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSettings sends a raw JSON patch document.
func (c *Client) UpdateSettings(ctx context.Context, patch json.RawMessage) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, http.MethodPatch, "/api/v1/users/"+url.PathEscape(c.userID)+"/settings", patch, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ResetSettings(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, http.MethodPost, "/api/v1/users/"+url.PathEscape(c.userID)+"/settings/reset", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, method, path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-User-ID", c.userID)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("X-User-ID", c.userID)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error             string `json:"error"`
		Reason            string `json:"reason"`
		RetryAfterSeconds int64  `json:"retry_after_seconds"`
	}
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Reason = body.Reason
		apiErr.RetryAfter = body.RetryAfterSeconds
	}
	return apiErr
}

// IsRetryable reports whether err is a denial that clears with time.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}
