package store

import (
	"fmt"
	"os"
)

// ResolveBranch determines the branch ID to use based on priority chain.
// Priority: explicit > POSSYNC_BRANCH env > "default"
func ResolveBranch(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateBranchID(explicit); err != nil {
			return "", fmt.Errorf("invalid branch ID %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv("POSSYNC_BRANCH"); env != "" {
		if err := ValidateBranchID(env); err != nil {
			return "", fmt.Errorf("invalid POSSYNC_BRANCH %q: %w", env, err)
		}
		return env, nil
	}

	return "default", nil
}
