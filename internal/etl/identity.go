package etl

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

var (
	// ErrIdentityMapRequired is returned by stages that need person ids
	// when no sealed identity map is supplied.
	ErrIdentityMapRequired = errors.New("identity map required: run the person stage first")
	// ErrDuplicatePatient is returned when a source patient id appears twice.
	ErrDuplicatePatient = errors.New("duplicate source patient id")
	// ErrEmptyPatientID is returned when a patient row has no id.
	ErrEmptyPatientID = errors.New("empty source patient id")
)

// IdentityBuilder assigns sequential person ids to source patient ids in
// input order. It is only used while mapping persons.
type IdentityBuilder struct {
	ids  map[string]int64
	next int64
}

// NewIdentityBuilder returns a builder whose first assigned id is 1.
func NewIdentityBuilder() *IdentityBuilder {
	return &IdentityBuilder{ids: make(map[string]int64), next: 1}
}

// Assign gives sourceID the next person id.
func (b *IdentityBuilder) Assign(sourceID string) (int64, error) {
	if sourceID == "" {
		return 0, ErrEmptyPatientID
	}
	if _, dup := b.ids[sourceID]; dup {
		return 0, fmt.Errorf("%w: %s", ErrDuplicatePatient, sourceID)
	}
	id := b.next
	b.ids[sourceID] = id
	b.next++
	return id, nil
}

// Seal freezes the assignments into a read-only IdentityMap. The builder
// must not be used afterwards.
func (b *IdentityBuilder) Seal() *IdentityMap {
	m := &IdentityMap{ids: b.ids}
	b.ids = nil
	return m
}

// IdentityMap is the read-only source patient id → person_id mapping
// produced by the person stage and consumed by later stages.
type IdentityMap struct {
	ids map[string]int64
}

// Lookup returns the person id for a source patient id.
func (m *IdentityMap) Lookup(sourceID string) (int64, bool) {
	id, ok := m.ids[sourceID]
	return id, ok
}

// Resolve returns the person id as a nullable column value; unknown
// patients resolve to NULL.
func (m *IdentityMap) Resolve(sourceID string) pgtype.Int8 {
	id, ok := m.ids[sourceID]
	return pgtype.Int8{Int64: id, Valid: ok}
}

// Len returns the number of mapped patients.
func (m *IdentityMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.ids)
}
