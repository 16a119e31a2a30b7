package record

import (
	"context"
	"time"
)

// ChannelSource adapts a Go channel of records into a Source. Used by tests
// and by library embedders that already have records in process.
type ChannelSource struct {
	ch <-chan Record
}

// NewChannelSource wraps ch. Closing ch makes Next hand back what it has
// buffered; once drained, Next blocks until the context is cancelled.
func NewChannelSource(ch <-chan Record) *ChannelSource {
	return &ChannelSource{ch: ch}
}

// Next accumulates up to maxRows records or until maxWait after the first
// record arrives, whichever comes first.
func (s *ChannelSource) Next(ctx context.Context, maxRows int, maxWait time.Duration) (Batch, error) {
	var records []Record

	// Block for the first record without starting the batch timer.
	select {
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	case r, ok := <-s.ch:
		if !ok {
			<-ctx.Done()
			return Batch{}, ctx.Err()
		}
		records = append(records, r)
	case <-time.After(maxWait):
		return NewBatch(nil)
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for len(records) < maxRows {
		select {
		case <-ctx.Done():
			// Hand back what we have; the caller decides whether to commit
			// or abandon at the shutdown boundary.
			return NewBatch(records)
		case r, ok := <-s.ch:
			if !ok {
				return NewBatch(records)
			}
			records = append(records, r)
		case <-timer.C:
			return NewBatch(records)
		}
	}
	return NewBatch(records)
}
