// Package uuid generates workflow identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator hands out UUIDv7 strings, so workflow IDs sort in creation order.
type Generator struct{}

// New returns a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a fresh workflow ID.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new workflow id: %w", err)
	}
	return id.String(), nil
}
