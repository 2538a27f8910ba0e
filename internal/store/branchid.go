// Package store resolves and validates the per-branch local databases.
package store

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidBranchID indicates the branch ID format is invalid.
var ErrInvalidBranchID = errors.New("invalid branch ID: must be lowercase alphanumeric with hyphens, 1-2 path segments")

// branchIDRegex validates branch ID format: <segment>[/<segment>]
// Segments are lowercase alphanumeric and hyphens, 1-48 characters,
// with no leading or trailing hyphen. The optional first segment is a region.
var branchIDRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,46}[a-z0-9])?(\/[a-z0-9]([a-z0-9-]{0,46}[a-z0-9])?)?$`)

// ValidateBranchID validates a branch ID.
// Returns ErrInvalidBranchID if the ID doesn't match the required pattern.
func ValidateBranchID(id string) error {
	if id == "" || len(id) > 97 {
		return ErrInvalidBranchID
	}
	if strings.Contains(id, "--") {
		return ErrInvalidBranchID
	}
	if !branchIDRegex.MatchString(id) {
		return ErrInvalidBranchID
	}
	return nil
}
