package query

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"LeverLedger/internal/core"
	"LeverLedger/internal/ledger"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/state"
	"LeverLedger/internal/vault"
)

// EngineReader runs read-only functions between commands. *core.Runner
// satisfies it.
type EngineReader interface {
	Query(ctx context.Context, fn func(*core.Engine) error) error
}

// read runs fn against a throwaway transaction at the last command time.
func (qs *QueryService) read(ctx context.Context, endpoint string, fn func(e *core.Engine, tx *state.Txn, asOf int64) error) error {
	done := qs.track(endpoint)
	err := qs.live.Query(ctx, func(e *core.Engine) error {
		return fn(e, e.View(), e.Sequence()-1)
	})
	done(err)
	return err
}

// GetPool returns a pool with interest accrued to the last command time.
func (qs *QueryService) GetPool(ctx context.Context, asset string) (*PoolResponse, error) {
	var resp *PoolResponse
	err := qs.read(ctx, "get_pool", func(e *core.Engine, tx *state.Txn, asOf int64) error {
		p, err := poolView(e, tx, asset)
		if err != nil {
			return err
		}
		resp = newPoolResponse(p, e.Pool().Config().ReserveFactorBps, asOf)
		return nil
	})
	return resp, err
}

// ListPools returns every configured pool.
func (qs *QueryService) ListPools(ctx context.Context) ([]PoolResponse, error) {
	var out []PoolResponse
	err := qs.read(ctx, "list_pools", func(e *core.Engine, tx *state.Txn, asOf int64) error {
		for _, asset := range e.Pool().Assets() {
			p, err := poolView(e, tx, asset)
			if err != nil {
				return err
			}
			out = append(out, *newPoolResponse(p, e.Pool().Config().ReserveFactorBps, asOf))
		}
		return nil
	})
	return out, err
}

func poolView(e *core.Engine, tx *state.Txn, asset string) (state.PoolState, error) {
	if _, err := e.Pool().Accrue(tx, asset); err != nil {
		return state.PoolState{}, err
	}
	return e.Pool().View(tx, asset)
}

func newPoolResponse(p state.PoolState, reserveFactorBps, asOf int64) *PoolResponse {
	u := fpmath.Utilization(p.TotalBorrowed, p.TotalDeposits)
	borrow := p.Model.Rate(u)
	supply := p.Model.SupplyRate(u, reserveFactorBps)
	return &PoolResponse{
		Asset:            p.Asset,
		TotalDeposits:    p.TotalDeposits,
		TotalBorrowed:    p.TotalBorrowed,
		TotalShares:      p.TotalShares,
		Available:        p.Available(),
		InsuranceReserve: p.InsuranceReserve,
		TotalBadDebt:     p.TotalBadDebt,
		SocializedLoss:   p.SocializedLoss,
		FlashFeesEarned:  p.FlashFeesEarned,
		Utilization:      u,
		BorrowRateBps:    borrow,
		SupplyRateBps:    supply,
		RateModel:        p.Model,
		LastAccrual:      p.LastAccrual,
		Display: PoolDisplay{
			TotalDeposits: fpmath.FormatFixed(p.TotalDeposits, fpmath.AmountConfig),
			TotalBorrowed: fpmath.FormatFixed(p.TotalBorrowed, fpmath.AmountConfig),
			Utilization:   fpmath.FormatFixed(u, fpmath.PrecisionConfig),
			BorrowRate:    fpmath.FormatFixed(borrow, fpmath.BpsConfig),
			SupplyRate:    fpmath.FormatFixed(supply, fpmath.BpsConfig),
		},
		AsOfSequence: asOf,
	}
}

// GetAccount returns an account's wallet, deposit, debt and tier in one pool.
func (qs *QueryService) GetAccount(ctx context.Context, account uuid.UUID, asset string) (*AccountResponse, error) {
	var resp *AccountResponse
	err := qs.read(ctx, "get_account", func(e *core.Engine, tx *state.Txn, asOf int64) error {
		pl := e.Pool()
		if _, err := pl.Accrue(tx, asset); err != nil {
			return err
		}
		value, err := pl.DepositValue(tx, account, asset)
		if err != nil {
			return err
		}
		debt, err := pl.Outstanding(tx, account, asset)
		if err != nil {
			return err
		}
		collateral, err := e.Vault().CollateralValue(tx, account, asset)
		if err != nil {
			return err
		}

		resp = &AccountResponse{
			Account:         account,
			Asset:           asset,
			WalletBalance:   tx.Balance(ledger.WalletKey(account, asset)),
			DepositValue:    value,
			Outstanding:     debt,
			CollateralValue: collateral,
			Tier:            newTierResponse(e.Tiers().AccountTier(tx, account, asset)),
			AsOfSequence:    asOf,
		}
		if entry, ok := tx.PeekAccount(asset, account); ok {
			resp.Shares = entry.Shares
		}
		return nil
	})
	return resp, err
}

// GetPosition returns one position, with live health when active.
func (qs *QueryService) GetPosition(ctx context.Context, id uint64) (*PositionResponse, error) {
	var resp *PositionResponse
	err := qs.read(ctx, "get_position", func(e *core.Engine, tx *state.Txn, asOf int64) error {
		pos, err := e.Vault().Position(tx, id)
		if err != nil {
			return err
		}
		resp = newPositionResponse(e, tx, pos, asOf)
		return nil
	})
	return resp, err
}

// GetPositions lists an owner's positions in id order.
func (qs *QueryService) GetPositions(ctx context.Context, owner uuid.UUID, activeOnly bool) ([]PositionResponse, error) {
	var out []PositionResponse
	err := qs.read(ctx, "get_positions", func(e *core.Engine, tx *state.Txn, asOf int64) error {
		for _, pos := range tx.PositionsOf(owner, activeOnly) {
			out = append(out, *newPositionResponse(e, tx, *pos, asOf))
		}
		return nil
	})
	return out, err
}

func newPositionResponse(e *core.Engine, tx *state.Txn, pos state.Position, asOf int64) *PositionResponse {
	resp := &PositionResponse{
		ID:             pos.ID,
		Owner:          pos.Owner,
		Asset:          pos.Asset,
		QuoteAsset:     pos.QuoteAsset,
		DepositAmount:  pos.DepositAmount,
		Leverage:       pos.Leverage,
		TotalExposure:  pos.TotalExposure,
		BorrowedAmount: pos.BorrowedAmount,
		EntryPrice:     pos.EntryPrice,
		EntryTimestamp: pos.EntryTimestamp,
		Status:         pos.Status.String(),
		ClosedAt:       pos.ClosedAt,
		ExitPrice:      pos.ExitPrice,
		AsOfSequence:   asOf,
	}
	if !pos.IsActive() {
		return resp
	}

	h, err := e.Vault().Assess(tx, pos.ID)
	if err != nil {
		resp.HealthError = err.Error()
		return resp
	}
	resp.Health = &HealthResponse{
		Price:        h.Price,
		CurrentValue: h.CurrentValue,
		Debt:         h.Debt,
		HealthFactor: fpmath.FormatFixed(h.HealthFactor, fpmath.PrecisionConfig),
		Threshold:    fpmath.FormatFixed(h.Threshold, fpmath.PrecisionConfig),
		Liquidatable: h.Liquidatable,
	}
	return resp
}

// ListTiers returns every tier, default first.
func (qs *QueryService) ListTiers(ctx context.Context) ([]TierResponse, error) {
	var out []TierResponse
	err := qs.read(ctx, "list_tiers", func(e *core.Engine, tx *state.Txn, _ int64) error {
		for _, t := range e.Tiers().Tiers(tx) {
			out = append(out, newTierResponse(t))
		}
		return nil
	})
	return out, err
}

// GetTier returns one tier.
func (qs *QueryService) GetTier(ctx context.Context, id uint32) (*TierResponse, error) {
	var resp *TierResponse
	err := qs.read(ctx, "get_tier", func(e *core.Engine, tx *state.Txn, _ int64) error {
		t, err := e.Tiers().Tier(tx, id)
		if err != nil {
			return err
		}
		r := newTierResponse(t)
		resp = &r
		return nil
	})
	return resp, err
}

func newTierResponse(t *state.Tier) TierResponse {
	return TierResponse{
		ID:                      t.ID,
		Label:                   t.Label,
		LTVBps:                  t.LTVBps,
		LiquidationThresholdBps: t.LiquidationThresholdBps,
		LiquidationBonusBps:     t.LiquidationBonusBps,
		Assets:                  t.Assets,
	}
}

// GetKeepers returns the keeper allow-list and whether it is enforced.
func (qs *QueryService) GetKeepers(ctx context.Context) (*KeepersResponse, error) {
	var resp *KeepersResponse
	err := qs.read(ctx, "get_keepers", func(e *core.Engine, tx *state.Txn, asOf int64) error {
		resp = &KeepersResponse{
			KeeperOnly:   tx.Settings().KeeperOnly,
			Keepers:      e.Liquidation().Keepers(tx),
			AsOfSequence: asOf,
		}
		if resp.Keepers == nil {
			resp.Keepers = []uuid.UUID{}
		}
		return nil
	})
	return resp, err
}

// GetPrice returns the latest observation of an asset and its age at the
// last command time.
func (qs *QueryService) GetPrice(ctx context.Context, asset string) (*PriceResponse, error) {
	var resp *PriceResponse
	err := qs.read(ctx, "get_price", func(e *core.Engine, tx *state.Txn, asOf int64) error {
		price, age, err := e.Feed().GetPrice(asset, tx.Now())
		if err != nil {
			return err
		}
		resp = &PriceResponse{
			Asset:        asset,
			Price:        price,
			Display:      fpmath.FormatFixed(price, fpmath.PriceConfig),
			AgeSeconds:   age,
			Stale:        age > e.Feed().MaxAge(),
			AsOfSequence: asOf,
		}
		return nil
	})
	return resp, err
}

// LiquidatablePositions scans every active position and returns the ids a
// keeper could liquidate now.
func (qs *QueryService) LiquidatablePositions(ctx context.Context) ([]uint64, error) {
	var out []uint64
	err := qs.read(ctx, "liquidatable_positions", func(e *core.Engine, tx *state.Txn, _ int64) error {
		for _, pos := range activePositions(tx) {
			ok, err := e.Vault().IsLiquidatable(tx, pos.ID)
			if err != nil {
				if errors.Is(err, vault.ErrPositionNotActive) {
					continue
				}
				return fmt.Errorf("position %d: %w", pos.ID, err)
			}
			if ok {
				out = append(out, pos.ID)
			}
		}
		return nil
	})
	return out, err
}

func activePositions(tx *state.Txn) []*state.Position {
	ids := tx.Positions.Keys()
	out := make([]*state.Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := tx.Positions.Peek(id); ok && p.IsActive() {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b *state.Position) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
