// Package inference talks to the external crater-detection service.
package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	// maxResponseBytes caps the annotated image read back from the service.
	maxResponseBytes = 50 << 20
)

// ErrNotConfigured is the fallback reason when no service URL is set.
var ErrNotConfigured = errors.New("inference service is not configured")

// Outcome tags a Result.
type Outcome int

const (
	// Detected means the service returned an annotated image.
	Detected Outcome = iota
	// Fallback means the call failed and the caller must substitute its own image.
	Fallback
)

func (o Outcome) String() string {
	switch o {
	case Detected:
		return "detected"
	case Fallback:
		return "fallback"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is either Detected with Image set, or Fallback with Reason set.
type Result struct {
	Outcome     Outcome
	Image       []byte
	ContentType string
	Reason      error
}

func fallback(reason error) Result {
	return Result{Outcome: Fallback, Reason: reason}
}

// Client posts images to <baseURL>/predict.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

// Detect sends one image and never returns an error: any failure becomes a
// Fallback result carrying the reason.
func (c *Client) Detect(ctx context.Context, filename, contentType string, image []byte) Result {
	if c.baseURL == "" {
		return fallback(ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, formType, err := multipartImage(filename, contentType, image)
	if err != nil {
		return fallback(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return fallback(fmt.Errorf("build predict request: %w", err))
	}
	req.Header.Set("Content-Type", formType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fallback(fmt.Errorf("call predict: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fallback(fmt.Errorf("predict returned status %d", resp.StatusCode))
	}

	respType := resp.Header.Get("Content-Type")
	if respType != "" && !strings.HasPrefix(respType, "image/") {
		return fallback(fmt.Errorf("predict returned non-image content type %q", respType))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fallback(fmt.Errorf("read predict response: %w", err))
	}
	if len(data) == 0 {
		return fallback(errors.New("predict returned an empty body"))
	}

	return Result{Outcome: Detected, Image: data, ContentType: respType}
}

// Health probes <baseURL>/health.
func (c *Client) Health(ctx context.Context) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	return nil
}

func multipartImage(filename, contentType string, image []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("write image part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
