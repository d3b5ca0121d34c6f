// Package task provides the durable task-file model: a markdown document with
// a delimited key/value header that carries lifecycle state, plus the
// directory-backed store that encodes pipeline stages.
package task

import (
	"fmt"
	"strings"
)

// Delimiter is the line that opens and closes the header region.
const Delimiter = "---"

// Canonical header fields. The parser accepts arbitrary keys; the pipeline
// logic relies only on these.
const (
	FieldTitle            = "title"
	FieldStatus           = "status"
	FieldSkill            = "skill"
	FieldPriority         = "priority"
	FieldDomain           = "domain"
	FieldDomainCategory   = "domain_category"
	FieldDomainConfidence = "domain_confidence"
	FieldSecondaryDomain  = "secondary_domain"
	FieldApproved         = "approved"
	FieldApprovedBy       = "approved_by"
	FieldApprovedAt       = "approved_at"
	FieldCreated          = "created"
	FieldCompleted        = "completed"
	FieldRoutedAt         = "routed_at"
	FieldOriginalTask     = "original_task"
	FieldRiskLevel        = "risk_level"
	FieldExpires          = "expires"
	FieldApprovalAsked    = "approval_requested_at"
)

// HeaderError indicates an unparseable or incomplete header region. The
// resilience layer routes tasks with header errors to quarantine.
type HeaderError struct {
	Path   string
	Line   int
	Reason string
}

func (e *HeaderError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("malformed task header in %s (line %d): %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed task header (line %d): %s", e.Line, e.Reason)
}

// Header is an ordered set of key/value pairs. Order is preserved across
// parse/serialize so that rewriting one field never reorders the rest.
type Header struct {
	keys   []string
	values map[string]string
}

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{values: make(map[string]string)}
}

// Get returns the value for key and whether it is present.
func (h *Header) Get(key string) (string, bool) {
	v, ok := h.values[key]
	return v, ok
}

// Value returns the value for key, or empty string when absent.
func (h *Header) Value(key string) string {
	return h.values[key]
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	_, ok := h.values[key]
	return ok
}

// Set stores a value, appending the key at the end on first write and
// preserving its position on update.
func (h *Header) Set(key, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Delete removes a key. Deleting an absent key is a no-op.
func (h *Header) Delete(key string) {
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.keys {
		if k == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in document order.
func (h *Header) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.keys)
}

// Clone returns an independent copy of the header.
func (h *Header) Clone() *Header {
	c := NewHeader()
	for _, k := range h.keys {
		c.Set(k, h.values[k])
	}
	return c
}

// Equal reports whether two headers carry the same fields in the same order.
func (h *Header) Equal(other *Header) bool {
	if h.Len() != other.Len() {
		return false
	}
	for i, k := range h.keys {
		if other.keys[i] != k || other.values[k] != h.values[k] {
			return false
		}
	}
	return true
}

// ParseHeader splits content into (header, body). The header is recognized
// only when the document starts with a delimiter line; everything after the
// closing delimiter is the body, with a single leading newline trimmed.
func ParseHeader(content string) (*Header, string, error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r") != Delimiter {
		return nil, "", &HeaderError{Line: 1, Reason: "missing opening delimiter"}
	}

	header := NewHeader()
	for i := 1; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if line == Delimiter {
			body := strings.Join(lines[i+1:], "\n")
			body = strings.TrimPrefix(body, "\n")
			if !header.Has(FieldStatus) {
				return nil, "", &HeaderError{Line: i, Reason: "required field status missing"}
			}
			return header, body, nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, "", &HeaderError{Line: i + 1, Reason: fmt.Sprintf("expected key: value, got %q", line)}
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, "", &HeaderError{Line: i + 1, Reason: "empty header key"}
		}
		header.Set(key, strings.TrimSpace(value))
	}

	return nil, "", &HeaderError{Line: len(lines), Reason: "missing closing delimiter"}
}

// Serialize renders the header region followed by the body. The output of
// Serialize round-trips through ParseHeader unchanged.
func Serialize(header *Header, body string) string {
	var b strings.Builder
	b.WriteString(Delimiter)
	b.WriteByte('\n')
	for _, k := range header.keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(header.values[k])
		b.WriteByte('\n')
	}
	b.WriteString(Delimiter)
	b.WriteByte('\n')
	if body != "" {
		b.WriteByte('\n')
		b.WriteString(body)
	}
	return b.String()
}
