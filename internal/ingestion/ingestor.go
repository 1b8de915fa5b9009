package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LeverLedger/internal/core"
	"LeverLedger/internal/event"
	"LeverLedger/internal/fault"
	"LeverLedger/internal/observability"
)

// Submitter applies one command. *core.Runner satisfies it.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (core.Result, error)
}

// Ingestor feeds raw command messages into the engine in arrival order.
type Ingestor struct {
	engine    Submitter
	inputChan <-chan RawEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewIngestor(engine Submitter, inputChan <-chan RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		engine:    engine,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("worker", "ingestor").Logger(),
	}
}

// Run blocks until ctx is cancelled or the input channel is closed.
func (in *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in.inputChan:
			if !ok {
				return nil
			}
			if in.handle(ctx, raw) {
				ack(raw)
			} else {
				nak(raw)
			}
		}
	}
}

// handle reports whether the message is done with. Malformed commands,
// duplicates and domain rejections are final; only a stopped engine or an
// untagged failure asks for redelivery.
func (in *Ingestor) handle(ctx context.Context, raw RawEvent) bool {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		in.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		return true
	}

	res, err := in.engine.Submit(ctx, evt)
	if in.metrics != nil && !raw.Timestamp.IsZero() {
		in.metrics.IngestToApply.WithLabelValues(evt.EventType().String()).Observe(time.Since(raw.Timestamp).Seconds())
	}

	switch {
	case err == nil:
		in.logger.Debug().Int64("sequence", res.Sequence).Stringer("type", evt.EventType()).Msg("applied")
		return true
	case errors.Is(err, core.ErrDuplicate):
		in.logger.Debug().Str("key", evt.IdempotencyKey()).Msg("duplicate command acked")
		return true
	case errors.Is(err, core.ErrRunnerStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case fault.KindOf(err) != nil:
		in.logger.Info().Err(err).
			Stringer("type", evt.EventType()).
			Str("key", evt.IdempotencyKey()).
			Str("kind", fault.Label(err)).
			Msg("command rejected")
		return true
	default:
		in.logger.Error().Err(err).Stringer("type", evt.EventType()).Msg("command failed")
		return false
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}

// ErrAdminOverHTTP rejects admin commands on the public path; operators
// publish them on the command stream.
var ErrAdminOverHTTP = fault.Authorization("ingestion: admin commands are accepted on the command stream only")

// CommandService submits JSON commands on behalf of the HTTP API. The caller
// is the identity the authenticating gateway vouched for, never the body's.
type CommandService struct {
	engine Submitter
	now    func() time.Time
}

func NewCommandService(engine Submitter) *CommandService {
	return &CommandService{engine: engine, now: time.Now}
}

// Submit decodes a command of the named type, binds it to caller and applies it.
func (cs *CommandService) Submit(ctx context.Context, typeName string, caller uuid.UUID, body []byte) (core.Result, error) {
	evt, err := decodeCommand(typeName, body)
	if err != nil {
		return core.Result{}, err
	}
	if evt.EventType().IsAdmin() {
		return core.Result{}, fmt.Errorf("%w: %s", ErrAdminOverHTTP, evt.EventType())
	}
	evt.BindCaller(caller)
	evt.MarkReceived(cs.now())
	if err := validateMeta(evt); err != nil {
		return core.Result{}, err
	}
	return cs.engine.Submit(ctx, evt)
}
