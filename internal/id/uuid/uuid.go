// Package uuid generates request identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings so request IDs sort by arrival.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Accept returns candidate in canonical form when it is a valid UUID of any
// version, so IDs minted by an upstream proxy are kept.
func (Generator) Accept(candidate string) (string, bool) {
	if candidate == "" {
		return "", false
	}
	id, err := uuid.Parse(candidate)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
