package store

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultRoot returns the root directory for all branch databases.
// POSSYNC_HOME overrides the base directory. Otherwise defaults to
// ~/.possync/branches, falling back to ./.possync/branches if home dir unavailable.
func DefaultRoot() string {
	if base := os.Getenv("POSSYNC_HOME"); base != "" {
		return filepath.Join(base, "branches")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".possync", "branches")
	}
	return filepath.Join(home, ".possync", "branches")
}

// EncodeBranchPath encodes a branch ID for filesystem use.
// Replaces "/" with "__" for region-qualified IDs.
func EncodeBranchPath(branchID string) string {
	return strings.ReplaceAll(branchID, "/", "__")
}

// DecodeBranchPath decodes an encoded branch path back to a branch ID.
func DecodeBranchPath(encoded string) string {
	return strings.ReplaceAll(encoded, "__", "/")
}

// BranchDBPath returns the full path to a branch's database file.
// Example: BranchDBPath("north/store-12") -> ~/.possync/branches/north__store-12/local.db
func BranchDBPath(branchID string) string {
	return filepath.Join(DefaultRoot(), EncodeBranchPath(branchID), "local.db")
}
