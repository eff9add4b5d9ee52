// Package ledger is the client side of the metadata ledger: an append-only
// record of (sender, receiver, content hash, timestamp) per chat message,
// used to audit message integrity. Appends are asynchronous and never hold
// up message delivery.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get for an unknown record id.
var ErrNotFound = errors.New("ledger record not found")

// Record is one ledger entry.
type Record struct {
	ID          string
	SenderID    string
	ReceiverID  string
	ContentHash string
	Timestamp   time.Time
}

// Ledger is the append/get contract of the external metadata log.
type Ledger interface {
	Append(ctx context.Context, senderID, receiverID, contentHash string, timestamp time.Time) (string, error)
	Get(ctx context.Context, recordID string) (Record, error)
}

// ErrMismatch is returned by Verify when a record disagrees with a message.
var ErrMismatch = errors.New("ledger record does not match message")

// Verify fetches recordID and checks it against the expected fields.
// Timestamps are compared at millisecond precision.
func Verify(ctx context.Context, l Ledger, recordID string, want Record) error {
	got, err := l.Get(ctx, recordID)
	if err != nil {
		return err
	}

	switch {
	case got.SenderID != want.SenderID:
		return fmt.Errorf("%w: sender %q, want %q", ErrMismatch, got.SenderID, want.SenderID)
	case got.ReceiverID != want.ReceiverID:
		return fmt.Errorf("%w: receiver %q, want %q", ErrMismatch, got.ReceiverID, want.ReceiverID)
	case got.ContentHash != want.ContentHash:
		return fmt.Errorf("%w: hash %s, want %s", ErrMismatch, got.ContentHash, want.ContentHash)
	case got.Timestamp.UnixMilli() != want.Timestamp.UnixMilli():
		return fmt.Errorf("%w: timestamp %s, want %s", ErrMismatch, got.Timestamp, want.Timestamp)
	}
	return nil
}
