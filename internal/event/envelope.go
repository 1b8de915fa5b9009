package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeWalletCredit
	EventTypeWalletDebit
	EventTypePriceUpdate
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeSetUserTier
	EventTypeAddTier
	EventTypeUpdateTier
	EventTypeSetRateModel
	EventTypeOpenPosition
	EventTypeAddCollateral
	EventTypeClosePosition
	EventTypeLiquidate
	EventTypeBatchLiquidate
	EventTypeAddKeeper
	EventTypeRemoveKeeper
	EventTypeSetKeeperOnly
	EventTypeFlashLoan
	EventTypeAccrue
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Caller that submitted the command
	Actor uuid.UUID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command, replayed on recovery
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all commands implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Actor is the account on whose authority the command runs
	Actor() uuid.UUID

	// OccurredAt is the command's versioned timestamp
	OccurredAt() time.Time

	// ReceivedTime is when a trusted transport accepted the command, zero if
	// it was submitted in-process
	ReceivedTime() time.Time

	// MarkReceived and BindCaller are applied by the ingress before submit
	MarkReceived(t time.Time)
	BindCaller(id uuid.UUID)
}

// Meta carries the fields every command shares. ReceivedAt is set by the
// ingress, never taken from the client body, and is logged with the payload
// so replay sees the same value.
type Meta struct {
	RequestID  uuid.UUID `json:"request_id"`
	Caller     uuid.UUID `json:"caller"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at,omitzero"`
}

func (m Meta) IdempotencyKey() string  { return m.RequestID.String() }
func (m Meta) Actor() uuid.UUID        { return m.Caller }
func (m Meta) OccurredAt() time.Time   { return m.Timestamp }
func (m Meta) ReceivedTime() time.Time { return m.ReceivedAt }

// MarkReceived stamps the ingress time, replacing anything the client sent.
func (m *Meta) MarkReceived(t time.Time) { m.ReceivedAt = t.UTC().Truncate(time.Second) }

// BindCaller replaces the claimed caller with an authenticated identity.
func (m *Meta) BindCaller(id uuid.UUID) { m.Caller = id }

var eventTypeNames = map[EventType]string{
	EventTypeWalletCredit:   "WalletCredit",
	EventTypeWalletDebit:    "WalletDebit",
	EventTypePriceUpdate:    "PriceUpdate",
	EventTypeDeposit:        "Deposit",
	EventTypeWithdraw:       "Withdraw",
	EventTypeSetUserTier:    "SetUserTier",
	EventTypeAddTier:        "AddTier",
	EventTypeUpdateTier:     "UpdateTier",
	EventTypeSetRateModel:   "SetRateModel",
	EventTypeOpenPosition:   "OpenPosition",
	EventTypeAddCollateral:  "AddCollateral",
	EventTypeClosePosition:  "ClosePosition",
	EventTypeLiquidate:      "Liquidate",
	EventTypeBatchLiquidate: "BatchLiquidate",
	EventTypeAddKeeper:      "AddKeeper",
	EventTypeRemoveKeeper:   "RemoveKeeper",
	EventTypeSetKeeperOnly:  "SetKeeperOnly",
	EventTypeFlashLoan:      "FlashLoan",
	EventTypeAccrue:         "Accrue",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(name string) (EventType, bool) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// IsAdmin reports whether the command requires the admin identity.
func (et EventType) IsAdmin() bool {
	switch et {
	case EventTypeWalletCredit, EventTypeWalletDebit, EventTypePriceUpdate,
		EventTypeAddTier, EventTypeUpdateTier, EventTypeSetRateModel,
		EventTypeAddKeeper, EventTypeRemoveKeeper, EventTypeSetKeeperOnly,
		EventTypeAccrue:
		return true
	}
	return false
}
