package fees_test

import (
	"errors"
	"testing"

	"LeverLedger/internal/event"
	"LeverLedger/internal/fault"
	"LeverLedger/internal/fees"
	"LeverLedger/internal/state"
)

func TestNewTracker_BoundsFee(t *testing.T) {
	for _, bps := range []int64{-1, 10_001} {
		if _, err := fees.NewTracker(bps); !errors.Is(err, fault.ErrValidation) {
			t.Errorf("bps=%d: expected validation error, got %v", bps, err)
		}
	}
}

func TestCalculateValueIncrease(t *testing.T) {
	tr, _ := fees.NewTracker(1_000)
	tx := state.NewStore().Begin(1)
	if err := tr.RecordEntry(tx, 1, "USDC", 999_000_000); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name                  string
		current               int64
		increase, fee, toUser int64
	}{
		{"profit", 1_198_800_000, 199_800_000, 19_980_000, 1_178_820_000},
		{"flat", 999_000_000, 0, 0, 999_000_000},
		{"loss", 899_100_000, 0, 0, 899_100_000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			inc, fee, user, err := tr.CalculateValueIncrease(tx, 1, c.current)
			if err != nil {
				t.Fatal(err)
			}
			if inc != c.increase || fee != c.fee || user != c.toUser {
				t.Errorf("got (%d, %d, %d), want (%d, %d, %d)", inc, fee, user, c.increase, c.fee, c.toUser)
			}
		})
	}

	if _, _, _, err := tr.CalculateValueIncrease(tx, 2, 1); !errors.Is(err, fees.ErrUnknownPosition) {
		t.Errorf("expected unknown position, got %v", err)
	}
}

func TestRecordEntry_ResetsBasis(t *testing.T) {
	tr, _ := fees.NewTracker(1_000)
	tx := state.NewStore().Begin(1)
	tr.RecordEntry(tx, 1, "USDC", 100)
	tr.RecordEntry(tx, 1, "USDC", 200)

	if _, fee, _, _ := tr.CalculateValueIncrease(tx, 1, 200); fee != 0 {
		t.Errorf("got fee %d on the new basis, want 0", fee)
	}
	if err := tr.RecordEntry(tx, 1, "USDC", -1); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCollectFees_AccumulatesPerType(t *testing.T) {
	tr, _ := fees.NewTracker(0)
	s := state.NewStore()
	tx := s.Begin(1)

	tr.CollectFees(tx, "USDC", 5, fees.FeeTypeEntry)
	tr.CollectFees(tx, "USDC", 7, fees.FeeTypeEntry)
	tr.CollectFees(tx, "USDC", 0, fees.FeeTypeEntry)
	tr.CollectFees(tx, "USDC", 3, fees.FeeTypeLiquidation)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if got := len(tx.Records()); got != 3 {
		t.Fatalf("got %d records, want 3", got)
	}
	last := tx.Records()[1].(event.FeesCollected)
	if last.Total != 12 {
		t.Errorf("got running total %d, want 12", last.Total)
	}

	total, _ := s.Begin(2).FeeTotals.Peek(state.FeeKey{Token: "USDC", FeeType: string(fees.FeeTypeLiquidation)})
	if total != 3 {
		t.Errorf("got liquidation total %d, want 3", total)
	}
}
