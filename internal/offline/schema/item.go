package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidItem is wrapped by every validation failure in this package.
var ErrInvalidItem = errors.New("invalid queue item")

// Kind is the payload shape of a queue item.
type Kind string

const (
	KindJSON      Kind = "json"
	KindMultipart Kind = "multipart"
)

// DefaultFileField is the form field files are attached under when none is given.
const DefaultFileField = "file"

// Methods lists the HTTP methods a queue item may use.
var Methods = []string{"POST", "PUT", "PATCH", "DELETE"}

// QueueItem is one pending mutating request in the outbox.
type QueueItem struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Kind           Kind   `json:"kind"`

	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// Set when the item was moved to the dead-letter partition.
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty"`

	Body      json.RawMessage `json:"body,omitempty"`
	Multipart *MultipartSpec  `json:"multipart,omitempty"`
}

// MultipartSpec describes a multipart/form-data payload whose file parts
// live in the blobs partition. BlobKeys and FileNames are parallel.
type MultipartSpec struct {
	BlobKeys  []string          `json:"blob_keys"`
	FileNames []string          `json:"file_names"`
	FileField string            `json:"file_field"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// NormalizeMethod upper-cases m and reports whether it is one of Methods.
func NormalizeMethod(m string) (string, bool) {
	m = strings.ToUpper(strings.TrimSpace(m))
	for _, allowed := range Methods {
		if m == allowed {
			return m, true
		}
	}
	return m, false
}

// Validate checks that the item is well formed.
func (q *QueueItem) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidItem)
	}
	if q.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidItem)
	}
	if m, ok := NormalizeMethod(q.Method); !ok || m != q.Method {
		return fmt.Errorf("%w: method must be one of %s (got %q)", ErrInvalidItem, strings.Join(Methods, ", "), q.Method)
	}
	if q.Attempts < 0 {
		return fmt.Errorf("%w: attempts must not be negative (got %d)", ErrInvalidItem, q.Attempts)
	}
	if q.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrInvalidItem)
	}

	switch q.Kind {
	case KindJSON:
		if q.Multipart != nil {
			return fmt.Errorf("%w: json item must not carry a multipart descriptor", ErrInvalidItem)
		}
		if len(q.Body) > 0 && !json.Valid(q.Body) {
			return fmt.Errorf("%w: body is not valid JSON", ErrInvalidItem)
		}
	case KindMultipart:
		if len(q.Body) > 0 {
			return fmt.Errorf("%w: multipart item must not carry a json body", ErrInvalidItem)
		}
		if q.Multipart == nil {
			return fmt.Errorf("%w: multipart descriptor is required", ErrInvalidItem)
		}
		if err := q.Multipart.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, q.Kind)
	}
	return nil
}

// Validate checks the descriptor's parallel lists and field name.
func (m *MultipartSpec) Validate() error {
	if m.FileField == "" {
		return fmt.Errorf("%w: file_field is required", ErrInvalidItem)
	}
	if len(m.BlobKeys) != len(m.FileNames) {
		return fmt.Errorf("%w: %d blob keys but %d file names", ErrInvalidItem, len(m.BlobKeys), len(m.FileNames))
	}
	seen := make(map[string]bool, len(m.BlobKeys))
	for _, k := range m.BlobKeys {
		if k == "" {
			return fmt.Errorf("%w: blob key must not be empty", ErrInvalidItem)
		}
		if seen[k] {
			return fmt.Errorf("%w: duplicate blob key %q", ErrInvalidItem, k)
		}
		seen[k] = true
	}
	return nil
}

// HasBody reports whether a JSON item has something to send.
// A literal null body is treated as no body.
func (q *QueueItem) HasBody() bool {
	b := strings.TrimSpace(string(q.Body))
	return b != "" && b != "null"
}

// Due reports whether the item may be attempted at now, given the delay
// that applies after its last failed attempt.
func (q *QueueItem) Due(now time.Time, delay time.Duration) bool {
	if q.LastAttemptAt == nil || delay <= 0 {
		return true
	}
	return !now.Before(q.LastAttemptAt.Add(delay))
}

// Marshal encodes the item for storage.
func (q *QueueItem) Marshal() ([]byte, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue item %s: %w", q.ID, err)
	}
	return data, nil
}

// DecodeItem parses a stored queue item.
func DecodeItem(data []byte) (*QueueItem, error) {
	var q QueueItem
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to parse queue item: %w", err)
	}
	return &q, nil
}
