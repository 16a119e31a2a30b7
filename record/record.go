// Package record defines the inbound record model and the upstream batch
// source interface consumed by the writer process.
package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one inbound row: a JSON payload plus the envelope columns the
// table stores alongside it.
type Record struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Partition string          `json:"partition"`
	CreatedAt time.Time       `json:"created_at"`
}

// New creates a record with a time-ordered id.
func New(payload json.RawMessage, partition string) (Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("generate record id: %w", err)
	}
	return Record{
		ID:        id.String(),
		Payload:   payload,
		Partition: partition,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Batch is a bounded group of records committed as one transaction. ID is
// the commit idempotency key: redelivering a batch with a previously seen ID
// is a no-op returning the original version.
type Batch struct {
	ID      string
	Records []Record

	// Ack settles the batch with its source once the writer has reached a
	// durable outcome (committed or quarantined). Nil for sources without
	// delivery tracking. An ack failure leaves the batch eligible for
	// redelivery; the idempotency key makes that safe.
	Ack func(ctx context.Context) error
}

// NewBatch wraps records in a batch with a fresh idempotency key.
func NewBatch(records []Record) (Batch, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Batch{}, fmt.Errorf("generate batch id: %w", err)
	}
	return Batch{ID: id.String(), Records: records}, nil
}

// Partition returns the partition value shared by the batch's records.
// Mixed-partition batches report the first record's partition; the writer
// splits batches by partition before committing.
func (b Batch) Partition() string {
	if len(b.Records) == 0 {
		return ""
	}
	return b.Records[0].Partition
}

// Source supplies bounded batches of inbound records. Next blocks until
// maxRows records arrive or maxWait elapses with at least one record, then
// returns the accumulated batch. It returns a zero-length batch when maxWait
// elapses with nothing buffered, and ctx.Err() on cancellation.
type Source interface {
	Next(ctx context.Context, maxRows int, maxWait time.Duration) (Batch, error)
}
