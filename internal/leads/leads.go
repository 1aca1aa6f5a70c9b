// Package leads persists contact details captured during calls.
//
// When a caller consents on a lead gate, the call session collects whatever
// contact details later turns of the conversation produce and writes them
// through a [Store]. Two implementations exist: a PostgreSQL store for
// deployments and an in-memory store for tests and single-process setups.
package leads

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no lead.
var ErrNotFound = errors.New("leads: not found")

// Lead is one captured contact record. All contact fields are optional; a
// lead with consent but no details yet is still worth persisting so the
// record survives an abrupt hangup.
type Lead struct {
	// ID uniquely identifies the lead record.
	ID string

	// CallID names the call session the lead was captured in.
	CallID string

	// FlowID names the conversation flow that was running.
	FlowID string

	Name  string
	Email string
	Phone string

	// ConsentGranted records the caller's explicit agreement to be contacted.
	ConsentGranted bool

	// CapturedAt is when the record was first written.
	CapturedAt time.Time
}

// Store is the abstraction over lead persistence.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save upserts a lead. A lead with the same ID is completely replaced,
	// so a session can write once on consent and again as details arrive.
	Save(ctx context.Context, lead Lead) error

	// Get returns the lead with the given ID, or [ErrNotFound].
	Get(ctx context.Context, id string) (Lead, error)

	// ByCall returns all leads captured during one call, ordered by capture
	// time.
	ByCall(ctx context.Context, callID string) ([]Lead, error)
}
