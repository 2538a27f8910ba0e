package possync

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// LocalIDPrefix marks identifiers generated on the client before first sync.
const LocalIDPrefix = "local-"

// IsCanonicalID reports whether id was assigned by the server of record.
// Canonical ids are hyphenated UUIDs; anything else is a local placeholder.
func IsCanonicalID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// NewLocalID returns a fresh client-side placeholder identifier.
func NewLocalID() string {
	return LocalIDPrefix + strings.ToLower(ulid.Make().String())
}

// newEntryID returns a sortable queue entry identifier.
func newEntryID() string {
	return ulid.Make().String()
}
