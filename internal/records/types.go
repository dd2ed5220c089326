package records

import (
	"errors"
	"time"

	"github.com/josealfredo79/20250829StellarSummerFriday/internal/auth"
)

var ErrIDSpaceExhausted = errors.New("records: id space exhausted")

// Record is the stored entity. ID, Owner and CreatedAt never change after
// creation; timestamps are seconds since the Unix epoch.
type Record struct {
	ID          uint32        `codec:"id" json:"id"`
	Name        string        `codec:"name" json:"name"`
	Description string        `codec:"description" json:"description"`
	Value       uint64        `codec:"value" json:"value"`
	Owner       auth.Identity `codec:"owner" json:"owner"`
	CreatedAt   uint64        `codec:"created_at" json:"created_at"`
	UpdatedAt   uint64        `codec:"updated_at" json:"updated_at"`
}

// Patch selects the fields PatchRecord replaces. Nil fields are left alone.
type Patch struct {
	Name        *string
	Description *string
	Value       *uint64
}

func (p Patch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Value == nil
}

func (p Patch) apply(rec *Record) {
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.Description != nil {
		rec.Description = *p.Description
	}
	if p.Value != nil {
		rec.Value = *p.Value
	}
}

const (
	ActionCreate = "record.create"
	ActionUpdate = "record.update"
	ActionDelete = "record.delete"
)

const (
	ResultSuccess  = "success"
	ResultNotFound = "not-found"
	ResultNotOwner = "not-owner"
)

// Event describes a mutation attempt that reached storage.
type Event struct {
	At       time.Time
	Action   string
	RecordID uint32
	Caller   auth.Identity
	Result   string
	Name     string
	Value    uint64
}
