// Package netx performs the plain HTTP requests made against presigned
// object-store URLs: PUT of a body of known length and GET from a byte
// offset. Non-2xx responses come back as *StatusError with the head of the
// body kept for the caller to decode.
package netx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 64 << 10

type StatusError struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("request failed: %s", e.Status)
	}
	return fmt.Sprintf("request failed: %s; body: %s", e.Status, string(e.Body))
}

type Client struct {
	http *http.Client
}

// NewClient returns a client whose transport gives up waiting for response
// headers after headerTimeout. Bodies themselves are not time-limited; the
// request context bounds them.
func NewClient(headerTimeout time.Duration) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	return &Client{http: &http.Client{Transport: tr}}
}

// WithHTTPClient wraps an existing *http.Client, used by tests.
func WithHTTPClient(c *http.Client) *Client {
	return &Client{http: c}
}

// Put uploads size bytes from body to url and returns the ETag header.
func (c *Client) Put(ctx context.Context, url string, headers map[string]string, body io.Reader, size int64) (string, error) {
	if size == 0 || body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readStatusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.Header.Get("ETag"), nil
}

// Get issues a GET for url starting at byte start. On success the caller
// owns resp.Body.
func (c *Client) Get(ctx context.Context, url string, start int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	if start > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(start, 10)+"-")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}
	return resp, nil
}

func readStatusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       b,
	}
}

// TotalSize extracts the full object size from a Content-Range header of the
// form "bytes a-b/total". It returns -1 when the total is unknown.
func TotalSize(contentRange string) int64 {
	for i := len(contentRange) - 1; i >= 0; i-- {
		if contentRange[i] == '/' {
			n, err := strconv.ParseInt(contentRange[i+1:], 10, 64)
			if err != nil {
				return -1
			}
			return n
		}
	}
	return -1
}
