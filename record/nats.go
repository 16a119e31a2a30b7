package record

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	natsclient "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSource pulls record batches from a NATS JetStream durable consumer.
// Messages are acked through the batch's Ack hook only after the writer has
// committed or quarantined them; a crash before that point redelivers them,
// and the batch id, derived from the stream sequence range of the fetch,
// keeps the redelivery idempotent.
type NATSSource struct {
	url      string
	stream   string
	consumer string
	credFile string
	logger   *slog.Logger

	nc  *natsclient.Conn
	con jetstream.Consumer
}

// NewNATSSource creates a pull source for the given stream and durable
// consumer. Connect must be called before Next.
func NewNATSSource(url, stream, consumer, credFile string, logger *slog.Logger) *NATSSource {
	if logger == nil {
		logger = slog.Default()
	}
	if consumer == "" {
		consumer = "laketx-writer"
	}
	return &NATSSource{
		url:      url,
		stream:   stream,
		consumer: consumer,
		credFile: credFile,
		logger:   logger.With("component", "nats-source"),
	}
}

// Connect dials NATS and binds the durable consumer, creating it if absent.
func (s *NATSSource) Connect(ctx context.Context) error {
	var opts []natsclient.Option
	opts = append(opts, natsclient.Name("laketx"))
	if s.credFile != "" {
		opts = append(opts, natsclient.UserCredentials(s.credFile))
	}

	nc, err := natsclient.Connect(s.url, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream init: %w", err)
	}

	con, err := js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
		Durable:   s.consumer,
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("bind consumer %s on stream %s: %w", s.consumer, s.stream, err)
	}

	s.nc = nc
	s.con = con
	s.logger.Info("nats source connected", "stream", s.stream, "consumer", s.consumer)
	return nil
}

// Next fetches up to maxRows messages, waiting at most maxWait. Messages
// that fail to decode are terminated (never redelivered) and skipped; the
// writer's schema validation handles well-formed but invalid payloads.
func (s *NATSSource) Next(ctx context.Context, maxRows int, maxWait time.Duration) (Batch, error) {
	if s.con == nil {
		return Batch{}, fmt.Errorf("nats source: not connected")
	}
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	msgs, err := s.con.Fetch(maxRows, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return Batch{}, fmt.Errorf("fetch batch: %w", err)
	}

	var (
		records  []Record
		pending  []jetstream.Msg
		firstSeq uint64
		lastSeq  uint64
	)
	for msg := range msgs.Messages() {
		var r Record
		if err := json.Unmarshal(msg.Data(), &r); err != nil {
			s.logger.Warn("dropping undecodable message", "error", err)
			_ = msg.Term()
			continue
		}
		if md, err := msg.Metadata(); err == nil {
			if firstSeq == 0 {
				firstSeq = md.Sequence.Stream
			}
			lastSeq = md.Sequence.Stream
		}
		records = append(records, r)
		pending = append(pending, msg)
	}
	if err := msgs.Error(); err != nil {
		s.logger.Warn("fetch ended with error", "error", err, "records", len(records))
	}
	if len(records) == 0 {
		return Batch{}, nil
	}

	b := Batch{
		Records: records,
		Ack: func(context.Context) error {
			for _, msg := range pending {
				if err := msg.Ack(); err != nil {
					return fmt.Errorf("ack batch: %w", err)
				}
			}
			return nil
		},
	}
	if firstSeq > 0 {
		b.ID = fmt.Sprintf("%s-%d-%d", s.stream, firstSeq, lastSeq)
	} else {
		// No sequence metadata to derive a stable id from.
		id, err := uuid.NewV7()
		if err != nil {
			return Batch{}, fmt.Errorf("generate batch id: %w", err)
		}
		b.ID = id.String()
	}
	return b, nil
}

// Close drains the connection.
func (s *NATSSource) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}
