package possync

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Common errors returned by possync.
var (
	// ErrNotFound is returned when a record or queue entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a remote operation is attempted with no server configured.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrNoIdentity is returned when neither a token nor a fallback identity is available.
	ErrNoIdentity = errors.New("no credential or fallback identity available")

	// ErrDrainInProgress is returned when a drain is requested while one is running.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrCoolingDown is returned while a rate-limit cooldown is active.
	ErrCoolingDown = errors.New("rate limit cooldown active")

	// ErrUnsupportedType is returned when no adapter is registered for an entity type.
	ErrUnsupportedType = errors.New("no adapter registered for entity type")

	// ErrInvalidOp is returned when enqueueing an unknown operation.
	ErrInvalidOp = errors.New("invalid queue operation")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// SyncError is returned when a remote operation fails.
// A zero StatusCode means the request never got an HTTP response.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// FailureKind classifies why an entry failed to sync.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTransient
	FailureValidation
	FailureAuthExpired
	FailureRateLimited
	FailureStaleLocal
	FailureUnsupportedType
	FailureNotFound
	FailureRetryExhausted
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTransient:
		return "transient"
	case FailureValidation:
		return "validation"
	case FailureAuthExpired:
		return "auth_expired"
	case FailureRateLimited:
		return "rate_limited"
	case FailureStaleLocal:
		return "stale_local"
	case FailureUnsupportedType:
		return "unsupported_type"
	case FailureNotFound:
		return "not_found"
	case FailureRetryExhausted:
		return "retry_exhausted"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

// MarshalText renders the kind by name in reports.
func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Classify maps an error returned by an adapter or the remote client onto the
// failure taxonomy the engine acts on. Unknown errors are transient.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrNotFound) {
		return FailureNotFound
	}
	if errors.Is(err, ErrUnsupportedType) {
		return FailureUnsupportedType
	}

	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return classifyStatus(syncErr.StatusCode)
	}

	// Timeouts, dial failures and anything unrecognized are worth another try.
	return FailureTransient
}

func classifyStatus(code int) FailureKind {
	switch {
	case code == 0:
		return FailureTransient
	case code == http.StatusUnauthorized:
		return FailureAuthExpired
	case code == http.StatusNotFound, code == http.StatusGone:
		return FailureNotFound
	case code == http.StatusTooManyRequests:
		return FailureRateLimited
	case code == http.StatusRequestTimeout:
		return FailureTransient
	case code >= 400 && code < 500:
		return FailureValidation
	default:
		return FailureTransient
	}
}

// RetryAfter returns the server-provided cooldown carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.RetryAfter
	}
	return 0
}

// IsConflict reports whether err is a server uniqueness rejection (HTTP 409).
func IsConflict(err error) bool {
	var syncErr *SyncError
	return errors.As(err, &syncErr) && syncErr.StatusCode == http.StatusConflict
}
