package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/steveyegge/offsync/internal/offline/schema"
)

var (
	// ErrHTTPStatus is wrapped by StatusError.
	ErrHTTPStatus = errors.New("unexpected HTTP status")

	// ErrBlobMissing is returned when a multipart item references a blob that
	// is no longer stored.
	ErrBlobMissing = errors.New("blob missing")

	// ErrStorage marks a store failure hit while building a request. It stops
	// the flush instead of counting against the item.
	ErrStorage = errors.New("storage failure")
)

// maxErrorBody bounds how much of a failed response is kept in the reason.
const maxErrorBody = 512

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrHTTPStatus
}

// buildRequest turns a queue item into an HTTP request.
func (c *Coordinator) buildRequest(ctx context.Context, item *schema.QueueItem) (*http.Request, error) {
	target, err := c.resolveURL(item.URL)
	if err != nil {
		return nil, err
	}

	var (
		body        io.Reader
		contentType string
	)
	switch item.Kind {
	case schema.KindMultipart:
		buf, ct, err := c.buildMultipart(ctx, item)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	default:
		if item.HasBody() {
			body = bytes.NewReader(item.Body)
		}
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, item.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	for k, v := range item.Headers {
		// The multipart boundary is only known to the writer.
		if item.Kind == schema.KindMultipart && strings.EqualFold(k, "Content-Type") {
			continue
		}
		req.Header.Set(k, v)
	}
	if c.idempotencyHeader != "" && item.IdempotencyKey != "" {
		req.Header.Set(c.idempotencyHeader, item.IdempotencyKey)
	}

	return req, nil
}

func (c *Coordinator) buildMultipart(ctx context.Context, item *schema.QueueItem) (*bytes.Buffer, string, error) {
	spec := item.Multipart
	if spec == nil {
		return nil, "", fmt.Errorf("%w: multipart item %s has no descriptor", schema.ErrInvalidItem, item.ID)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for i, key := range spec.BlobKeys {
		content, ok, err := c.queue.Blob(ctx, key)
		if err != nil {
			return nil, "", fmt.Errorf("%w: failed to read blob %s: %w", ErrStorage, key, err)
		}
		if !ok {
			if c.allowPartial {
				c.logger.Warn("sending multipart item without missing blob", "id", item.ID, "blob", key)
				continue
			}
			return nil, "", fmt.Errorf("%w: %s", ErrBlobMissing, key)
		}

		name := key
		if i < len(spec.FileNames) && spec.FileNames[i] != "" {
			name = spec.FileNames[i]
		}
		part, err := w.CreateFormFile(spec.FileField, name)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(content); err != nil {
			return nil, "", fmt.Errorf("failed to write form file: %w", err)
		}
	}

	keys := make([]string, 0, len(spec.Fields))
	for k := range spec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, spec.Fields[k]); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func (c *Coordinator) resolveURL(raw string) (string, error) {
	if c.baseURL == nil {
		return raw, nil
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

// send performs one request and classifies the outcome.
func (c *Coordinator) send(ctx context.Context, item *schema.QueueItem) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req, err := c.buildRequest(ctx, item)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return nil
}
