package grains

import (
	"fmt"
)

// Grain addresses one logical entity.
type Grain struct {
	ID   string
	Type string
}

func (g Grain) String() string {
	return g.Type + "/" + g.ID
}

// GrainState is the durable state of a grain as last read or written by its
// owner. ETag is the store's tag of the record; RecordExists is false until
// the first successful write and again after a clear.
type GrainState[T any] struct {
	State        T
	ETag         string
	RecordExists bool
}

func (s *GrainState[T]) Reset() {
	var zero T
	s.State = zero
	s.ETag = ""
	s.RecordExists = false
}

// InconsistentStateError is returned when the stored record changed since
// the caller last read it.
type InconsistentStateError struct {
	Grain       Grain
	StateName   string
	ExpectedTag string
	StoredTag   string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state for %v in %s: expected etag %q, stored %q", e.Grain, e.StateName, e.ExpectedTag, e.StoredTag)
}
