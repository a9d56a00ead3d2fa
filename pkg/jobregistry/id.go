package jobregistry

import (
	"fmt"
	"strings"
)

// MaxJobIDLength bounds a job id. Ids name files and object keys.
const MaxJobIDLength = 128

// ValidateJobID checks that id is usable as a single path segment and object
// key: ASCII letters, digits, '-', '_' and '.', not starting with '.'.
// Separators, control characters and dot segments are rejected so that
// distinct ids never resolve to the same file or blob.
func ValidateJobID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidJob)
	}
	if len(id) > MaxJobIDLength {
		return fmt.Errorf("%w: job id longer than %d characters", ErrInvalidJob, MaxJobIDLength)
	}
	if strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: job id %q must not start with '.'", ErrInvalidJob, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("%w: job id %q contains %q", ErrInvalidJob, id, r)
		}
	}
	return nil
}
