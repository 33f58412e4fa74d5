package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultHTTPTimeout bounds a single POST when the caller does not set one.
const DefaultHTTPTimeout = 10 * time.Second

// HTTPSender posts batches as JSON to the collector endpoint.
type HTTPSender struct {
	client   *http.Client
	clientID string
	gzip     bool
	agent    string
}

// HTTPOption customizes an HTTPSender.
type HTTPOption func(*HTTPSender)

// WithHTTPClient replaces the default client (and its timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSender) { s.client = c }
}

// WithGzip compresses request bodies.
func WithGzip() HTTPOption {
	return func(s *HTTPSender) { s.gzip = true }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(s *HTTPSender) { s.agent = ua }
}

// NewHTTPSender creates a sender that tags requests with clientID.
func NewHTTPSender(clientID string, opts ...HTTPOption) *HTTPSender {
	s := &HTTPSender{
		client:   &http.Client{Timeout: DefaultHTTPTimeout},
		clientID: clientID,
		agent:    "anonsdk",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector returned %d: %s", e.Code, e.Body)
}

func (s *HTTPSender) Post(ctx context.Context, url string, body []byte) error {
	var reader io.Reader = bytes.NewReader(body)
	if s.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("gzip body: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("gzip body: %w", err)
		}
		reader = &buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.agent)
	req.Header.Set("X-Client-Id", s.clientID)
	if s.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
