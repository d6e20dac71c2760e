// Package store persists telemetry events and their reviews.
//
// The store owns the schema invariants: event ids are assigned here, are
// strictly increasing and never reused, and an event has at most one review.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lvonguyen/threatlens/internal/telemetry"
)

var (
	// ErrDuplicateReview is returned when the event already has a review.
	ErrDuplicateReview = errors.New("review already exists for event")

	// ErrUnknownEvent is returned when a review references a missing event.
	ErrUnknownEvent = errors.New("event does not exist")

	// ErrStoreUnavailable covers any read or write the backend could not perform.
	ErrStoreUnavailable = errors.New("event store unavailable")

	// ErrUnstorable is returned when a value cannot be stored verbatim.
	// Retrying the same value fails the same way.
	ErrUnstorable = errors.New("value cannot be stored")
)

// StorableText reports whether s can be stored as text by every backend:
// valid UTF-8 with no NUL bytes.
func StorableText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

// Table names shared by all backends.
const (
	TableEvents  = "events"
	TableReviews = "threat_reviews"
)

// Store is the persistence contract for the pipeline and the query service.
type Store interface {
	// InsertEvent stores ev verbatim and returns its assigned id.
	InsertEvent(ctx context.Context, ev *telemetry.Event) (int64, error)

	// InsertReview attaches rv to eventID. It is atomic per event: of any
	// number of concurrent calls for the same event at most one succeeds.
	InsertReview(ctx context.Context, eventID int64, rv *telemetry.Review) error

	// ListRecentReviewed returns events that have a review, newest first
	// by timestamp (ties by id), at most limit rows.
	ListRecentReviewed(ctx context.Context, limit int) ([]telemetry.ReviewedEvent, error)

	// ListRecentEvents returns raw events, reviewed or not, in the same order.
	ListRecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error)

	Ping(ctx context.Context) error
	Close() error
}

// Error records a failed store operation.
type Error struct {
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error. A nil err yields nil.
func Wrap(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Table: table, Err: err}
}
