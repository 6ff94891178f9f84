// Package cache contains the domain types for the tool-call result cache:
// a task state machine, fingerprinting, and TTL semantics. Persistence and
// orchestration live in internal/service.CacheManager and
// internal/adapter/outbound/cachestore.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Status is the state-machine position of a cached tool-call task.
type Status string

const (
	// StatusPending marks a task whose result is still being computed.
	// A second identical request observes this and waits rather than
	// re-issuing the call upstream.
	StatusPending Status = "pending"
	// StatusCompleted marks a task with a cached result available for
	// one-time reuse.
	StatusCompleted Status = "completed"
	// StatusFailed marks a task whose upstream call returned an error,
	// available to be surfaced to one in-flight duplicate before it is
	// treated as consumed.
	StatusFailed Status = "failed"
	// StatusConsumed marks a completed or failed task that has already
	// been served once; it is no longer eligible for reuse. Terminal.
	StatusConsumed Status = "consumed"
)

// ErrIllegalTransition is returned by TaskRecord.Transition when the
// requested status change is not one of the state machine's legal edges.
var ErrIllegalTransition = errors.New("illegal task status transition")

// legalTransitions enumerates the state machine's edges:
// pending -> completed | failed; completed -> consumed; failed -> consumed.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusCompleted: true, StatusFailed: true},
	StatusCompleted: {StatusConsumed: true},
	StatusFailed:    {StatusConsumed: true},
}

// TaskRecord is one cached tools/call outcome, keyed by Fingerprint.
type TaskRecord struct {
	Fingerprint uint64          `json:"fingerprint"`
	ToolName    string          `json:"tool_name"`
	UpstreamID  string          `json:"upstream_id"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// IsExpired reports whether now is past the record's expiry.
func (t *TaskRecord) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Transition moves the record to newStatus, enforcing the state machine's
// legal edges. Returns ErrIllegalTransition for any other pairing.
func (t *TaskRecord) Transition(newStatus Status) error {
	if !legalTransitions[t.Status][newStatus] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, newStatus)
	}
	t.Status = newStatus
	return nil
}

// Fingerprint computes the cache key for a tool call: xxhash over the tool
// name and the canonical (key-sorted) JSON encoding of its arguments, so
// semantically identical calls with differently ordered object keys hash
// the same.
func Fingerprint(toolName string, args json.RawMessage) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(toolName)
	_, _ = h.Write([]byte{0}) // separator: avoids "ab"+"c" colliding with "a"+"bc"
	_, _ = h.Write(canonicalJSON(args))
	return h.Sum64()
}

// canonicalJSON re-encodes a JSON value with object keys sorted, so the
// fingerprint is stable regardless of the client's field order. Falls back
// to the raw bytes if the value doesn't parse as JSON.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}

	out, err := json.Marshal(sortedValue(v))
	if err != nil {
		return raw
	}
	return out
}

// sortedValue recursively rewrites maps into a form that encoding/json will
// still emit in the same sorted-key order it already uses for map[string]any,
// so this mainly normalizes nested maps and slices.
func sortedValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(val))
		for _, k := range keys {
			out[k] = sortedValue(val[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return val
	}
}
