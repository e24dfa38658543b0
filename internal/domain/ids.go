package domain

import "github.com/google/uuid"

// NewID returns a prefixed random identifier such as "run_3f2a...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}
