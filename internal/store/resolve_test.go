package store_test

import (
	"errors"
	"testing"

	"github.com/CharlySistemas23/possync/internal/store"
)

func TestResolveBranch(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		env      string
		want     string
		wantErr  bool
	}{
		{"explicit wins", "north/store-1", "south/store-2", "north/store-1", false},
		{"env used when no explicit", "", "south/store-2", "south/store-2", false},
		{"default fallback", "", "", "default", false},
		{"invalid explicit", "Bad_ID", "", "", true},
		{"invalid env", "", "Bad_ID", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("POSSYNC_BRANCH", tt.env)

			got, err := store.ResolveBranch(tt.explicit)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveBranch(%q) error = %v, wantErr %v", tt.explicit, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, store.ErrInvalidBranchID) {
					t.Errorf("error = %v, want wrapped ErrInvalidBranchID", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ResolveBranch(%q) = %q, want %q", tt.explicit, got, tt.want)
			}
		})
	}
}
