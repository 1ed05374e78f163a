// Package uuid issues opaque record identifiers.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID in canonical textual form.
func New() string {
	return uuid.NewString()
}
