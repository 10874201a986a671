// Package uuid generates correlation IDs for broker requests.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates random UUID strings. Correlation IDs only need to be
// unique per client, so v4 is used rather than a time-ordered variant.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv4 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return id.String(), nil
}
