package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	fpmath "LeverLedger/internal/math"
)

// WalletCredit brings tokens across the external boundary into a wallet.
type WalletCredit struct {
	Meta
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`
	Amount  int64     `json:"amount"`
}

func (*WalletCredit) EventType() EventType { return EventTypeWalletCredit }

// WalletDebit sends tokens out of a wallet across the external boundary.
type WalletDebit struct {
	Meta
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`
	Amount  int64     `json:"amount"`
}

func (*WalletDebit) EventType() EventType { return EventTypeWalletDebit }

// PriceUpdate publishes an oracle observation.
type PriceUpdate struct {
	Meta
	Asset       string `json:"asset"`
	Price       int64  `json:"price"`
	Sequence    int64  `json:"sequence"`
	PublishedAt int64  `json:"published_at"` // unix seconds at the source
}

func (*PriceUpdate) EventType() EventType { return EventTypePriceUpdate }

type Deposit struct {
	Meta
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

func (*Deposit) EventType() EventType { return EventTypeDeposit }

type Withdraw struct {
	Meta
	Asset  string `json:"asset"`
	Shares int64  `json:"shares"`
}

func (*Withdraw) EventType() EventType { return EventTypeWithdraw }

type SetUserTier struct {
	Meta
	Asset  string `json:"asset,omitempty"` // pool asset; empty = the vault's quote asset
	TierID uint32 `json:"tier_id"`
}

func (*SetUserTier) EventType() EventType { return EventTypeSetUserTier }

type AddTier struct {
	Meta
	LTVBps                  int64    `json:"ltv_bps"`
	LiquidationThresholdBps int64    `json:"liquidation_threshold_bps"`
	LiquidationBonusBps     int64    `json:"liquidation_bonus_bps"`
	Label                   string   `json:"label"`
	Assets                  []string `json:"assets,omitempty"`
}

func (*AddTier) EventType() EventType { return EventTypeAddTier }

type UpdateTier struct {
	Meta
	TierID                  uint32   `json:"tier_id"`
	LTVBps                  int64    `json:"ltv_bps"`
	LiquidationThresholdBps int64    `json:"liquidation_threshold_bps"`
	LiquidationBonusBps     int64    `json:"liquidation_bonus_bps"`
	Label                   string   `json:"label"`
	Assets                  []string `json:"assets,omitempty"`
}

func (*UpdateTier) EventType() EventType { return EventTypeUpdateTier }

type SetRateModel struct {
	Meta
	Asset string           `json:"asset"`
	Model fpmath.RateModel `json:"model"`
}

func (*SetRateModel) EventType() EventType { return EventTypeSetRateModel }

type OpenPosition struct {
	Meta
	Asset    string `json:"asset"`
	Amount   int64  `json:"amount"`
	Leverage int64  `json:"leverage"` // Precision scale
}

func (*OpenPosition) EventType() EventType { return EventTypeOpenPosition }

type AddCollateral struct {
	Meta
	PositionID uint64 `json:"position_id"`
	Amount     int64  `json:"amount"`
}

func (*AddCollateral) EventType() EventType { return EventTypeAddCollateral }

type ClosePosition struct {
	Meta
	PositionID uint64 `json:"position_id"`
}

func (*ClosePosition) EventType() EventType { return EventTypeClosePosition }

type Liquidate struct {
	Meta
	PositionID uint64 `json:"position_id"`
}

func (*Liquidate) EventType() EventType { return EventTypeLiquidate }

type BatchLiquidate struct {
	Meta
	PositionIDs []uint64 `json:"position_ids"`
}

func (*BatchLiquidate) EventType() EventType { return EventTypeBatchLiquidate }

type AddKeeper struct {
	Meta
	Keeper uuid.UUID `json:"keeper"`
}

func (*AddKeeper) EventType() EventType { return EventTypeAddKeeper }

type RemoveKeeper struct {
	Meta
	Keeper uuid.UUID `json:"keeper"`
}

func (*RemoveKeeper) EventType() EventType { return EventTypeRemoveKeeper }

type SetKeeperOnly struct {
	Meta
	Enabled bool `json:"enabled"`
}

func (*SetKeeperOnly) EventType() EventType { return EventTypeSetKeeperOnly }

// FlashLoan lends to an in-process receiver registered under ReceiverID.
type FlashLoan struct {
	Meta
	ReceiverID uuid.UUID `json:"receiver_id"`
	Asset      string    `json:"asset"`
	Amount     int64     `json:"amount"`
	Data       []byte    `json:"data,omitempty"`
}

func (*FlashLoan) EventType() EventType { return EventTypeFlashLoan }

// Accrue brings a pool's interest up to the command time.
type Accrue struct {
	Meta
	Asset string `json:"asset"`
}

func (*Accrue) EventType() EventType { return EventTypeAccrue }

// New returns an empty command of the given type.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeWalletCredit:
		return &WalletCredit{}, nil
	case EventTypeWalletDebit:
		return &WalletDebit{}, nil
	case EventTypePriceUpdate:
		return &PriceUpdate{}, nil
	case EventTypeDeposit:
		return &Deposit{}, nil
	case EventTypeWithdraw:
		return &Withdraw{}, nil
	case EventTypeSetUserTier:
		return &SetUserTier{}, nil
	case EventTypeAddTier:
		return &AddTier{}, nil
	case EventTypeUpdateTier:
		return &UpdateTier{}, nil
	case EventTypeSetRateModel:
		return &SetRateModel{}, nil
	case EventTypeOpenPosition:
		return &OpenPosition{}, nil
	case EventTypeAddCollateral:
		return &AddCollateral{}, nil
	case EventTypeClosePosition:
		return &ClosePosition{}, nil
	case EventTypeLiquidate:
		return &Liquidate{}, nil
	case EventTypeBatchLiquidate:
		return &BatchLiquidate{}, nil
	case EventTypeAddKeeper:
		return &AddKeeper{}, nil
	case EventTypeRemoveKeeper:
		return &RemoveKeeper{}, nil
	case EventTypeSetKeeperOnly:
		return &SetKeeperOnly{}, nil
	case EventTypeFlashLoan:
		return &FlashLoan{}, nil
	case EventTypeAccrue:
		return &Accrue{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Decode rebuilds a command from its log payload.
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}

// Encode produces the log payload of a command.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
