package sendberry

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidateDestinations checks the peer set of a Connect call. The set must
// be non-empty, free of duplicates and nil identifiers, and must not
// contain self.
func ValidateDestinations(self uuid.UUID, destinations []uuid.UUID) error {
	if len(destinations) == 0 {
		return ErrNoDestinations
	}

	seen := make(map[uuid.UUID]struct{}, len(destinations))
	for i, id := range destinations {
		if id == uuid.Nil {
			return fmt.Errorf("%w: nil peer id at position %d", ErrNoDestinations, i)
		}
		if id == self {
			return ErrSelfDestination
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateDestination, id)
		}
		seen[id] = struct{}{}
	}

	return nil
}

// ValidateMetadataSize checks if the total metadata size is within limits.
// Size is calculated as the sum of key and value lengths. A maxSize of zero
// disables the check.
func ValidateMetadataSize(metadata map[string]string, maxSize int) error {
	if maxSize <= 0 || metadata == nil {
		return nil
	}

	var totalSize int
	for k, v := range metadata {
		totalSize += len(k) + len(v)
	}

	if totalSize > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes",
			ErrMetadataTooLarge, totalSize, maxSize)
	}

	return nil
}
