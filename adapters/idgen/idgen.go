// Package idgen provides ID generation implementations.
package idgen

import (
	"github.com/google/uuid"

	"github.com/artpar/tollgate/ports"
)

// UUID generates trace IDs as UUID v4 strings.
type UUID struct{}

// New generates a new UUID v4.
func (UUID) New() string {
	return uuid.New().String()
}

// Ensure interface compliance.
var _ ports.IDGenerator = UUID{}
