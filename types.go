package possync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op is the mutation recorded by a queue entry.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// IsValid reports whether the operation is one the engine knows how to apply.
func (o Op) IsValid() bool {
	return o == OpUpsert || o == OpDelete
}

// Defaults used when the corresponding Config field is zero.
const (
	DefaultSyncInterval      = 10 * time.Second
	DefaultRetryCeiling      = 5
	DefaultRateLimitCooldown = 60 * time.Second
	DefaultEnqueueDebounce   = 500 * time.Millisecond
	DefaultRequestTimeout    = 30 * time.Second
)

// QueueEntry is a persisted mutation descriptor waiting to be applied remotely.
type QueueEntry struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Op         Op              `json:"op"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	// Revision increases whenever a later enqueue for the same entity lands
	// on this entry.
	Revision int `json:"revision"`
}

// Record is a schemaless local or remote entity. The primary key lives under "id".
type Record map[string]any

// ID returns the record's primary key, or "" when absent.
func (r Record) ID() string {
	switch v := r["id"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// String returns the field as a string, or "" if missing or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// EntryFailure describes a single entry that did not sync during a pass.
type EntryFailure struct {
	EntryID    string      `json:"entry_id"`
	EntityType string      `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Kind       FailureKind `json:"kind"`
	Error      string      `json:"error"`
	RetryCount int         `json:"retry_count"`
	// Dropped is true when the entry left the queue without being applied.
	Dropped bool `json:"dropped"`
}

// Report summarizes a drain pass.
type Report struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`

	Dropped int `json:"dropped"`
	Stale   int `json:"stale"`
	Derived int `json:"derived"`

	RateLimited bool      `json:"rate_limited"`
	ResumeAt    time.Time `json:"resume_at,omitempty"`

	// Aborted is set when the pass ended before touching any entry because
	// no sync identity was available.
	Aborted bool `json:"aborted,omitempty"`

	Failures  []EntryFailure `json:"failures,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// IdentityMode describes how requests identify themselves to the server.
type IdentityMode string

const (
	IdentityNone     IdentityMode = "none"
	IdentityBearer   IdentityMode = "bearer"
	IdentityFallback IdentityMode = "fallback"
)

// VerifyResult is the outcome of a token verification.
type VerifyResult int

const (
	VerifyInconclusive VerifyResult = iota
	VerifyValid
	VerifyInvalid
)

func (v VerifyResult) String() string {
	switch v {
	case VerifyValid:
		return "valid"
	case VerifyInvalid:
		return "invalid"
	default:
		return "inconclusive"
	}
}

// Credentials is what the remote transport attaches to each request.
type Credentials struct {
	Mode     IdentityMode
	Token    string
	BranchID string
	DeviceID string
}

// StoreStats contains local store statistics.
type StoreStats struct {
	RecordCount   int       `json:"record_count"`
	PendingSync   int       `json:"pending_sync"`
	LastSync      time.Time `json:"last_sync"`
	SchemaVersion string    `json:"schema_version"`
}
