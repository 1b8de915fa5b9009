package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"LeverLedger/internal/core"
	"LeverLedger/internal/event"
)

// RecordSubjectPrefix is followed by the record type, e.g.
// "lever.records.position_liquidated".
const RecordSubjectPrefix = "lever.records."

// StreamPublisher is the part of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes the records of committed commands to NATS for
// downstream consumers. Publishing is best effort: the event log in Postgres
// stays the source of truth.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.Output
	logger    zerolog.Logger
}

// PublishedRecord is the body of every outbound message.
type PublishedRecord struct {
	Sequence       int64           `json:"sequence"`
	Index          int             `json:"index"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	RecordType     string          `json:"record_type"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.Output, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger.With().Str("worker", "publisher").Logger(),
	}
}

// Run publishes until ctx is cancelled or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publishOutput(ctx, out); err != nil {
				// downstream consumers can read event_log.records instead
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publishOutput(ctx context.Context, out core.Output) error {
	if out.Envelope == nil {
		return fmt.Errorf("output has no envelope")
	}
	for i, rec := range out.Records {
		msg, err := NewPublishedRecord(out.Envelope, i, rec)
		if err != nil {
			return err
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		msgID := fmt.Sprintf("%d-%d", msg.Sequence, msg.Index)
		if _, err := op.js.Publish(ctx, RecordSubjectPrefix+msg.RecordType, data, jetstream.WithMsgID(msgID)); err != nil {
			return fmt.Errorf("publish %s: %w", msgID, err)
		}
	}
	return nil
}

// NewPublishedRecord builds the outbound message for the idx-th record of a
// committed command.
func NewPublishedRecord(env *event.EventEnvelope, idx int, rec event.Record) (PublishedRecord, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return PublishedRecord{}, fmt.Errorf("marshal %s: %w", rec.RecordType(), err)
	}
	return PublishedRecord{
		Sequence:       env.Sequence,
		Index:          idx,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		RecordType:     rec.RecordType(),
		Payload:        payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp.UTC(),
	}, nil
}
