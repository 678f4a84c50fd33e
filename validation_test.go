package sendberry

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestValidateDestinations(t *testing.T) {
	self := uuid.New()
	a, b := uuid.New(), uuid.New()

	tests := []struct {
		name    string
		ids     []uuid.UUID
		wantErr error
	}{
		{"single", []uuid.UUID{a}, nil},
		{"multicast", []uuid.UUID{a, b}, nil},
		{"empty", nil, ErrNoDestinations},
		{"nil id", []uuid.UUID{a, uuid.Nil}, ErrNoDestinations},
		{"self", []uuid.UUID{a, self}, ErrSelfDestination},
		{"duplicate", []uuid.UUID{a, b, a}, ErrDuplicateDestination},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDestinations(self, tt.ids)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMetadataSize(t *testing.T) {
	md := map[string]string{"role": "relay", "region": "eu"}

	if err := ValidateMetadataSize(md, 0); err != nil {
		t.Errorf("zero limit should disable the check: %v", err)
	}
	if err := ValidateMetadataSize(nil, 1); err != nil {
		t.Errorf("nil metadata should pass: %v", err)
	}
	if err := ValidateMetadataSize(md, 100); err != nil {
		t.Errorf("metadata within limit failed: %v", err)
	}

	err := ValidateMetadataSize(map[string]string{"k": strings.Repeat("v", 20)}, 10)
	if !errors.Is(err, ErrMetadataTooLarge) {
		t.Errorf("error = %v, want ErrMetadataTooLarge", err)
	}
}
