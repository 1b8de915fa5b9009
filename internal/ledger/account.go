package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeSystemPoolCash
	SubTypeSystemVaultCustody
	SubTypeSystemFees

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalMarket
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	Asset    string
}

// WalletKey returns the free token balance of a user (or flash receiver).
func WalletKey(account uuid.UUID, asset string) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: account,
		SubType:  SubTypeWallet,
		Asset:    asset,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, asset string) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		Asset:    asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// PoolCashKey holds a pool's unborrowed liquidity plus its insurance reserve.
func PoolCashKey(asset string) AccountKey {
	return NewSystemAccountKey("pool", SubTypeSystemPoolCash, asset)
}

// VaultCustodyKey holds the value backing every open leveraged position.
func VaultCustodyKey(asset string) AccountKey {
	return NewSystemAccountKey("vault", SubTypeSystemVaultCustody, asset)
}

// FeesKey is the fee collector's account.
func FeesKey(asset string) AccountKey {
	return NewSystemAccountKey("fees", SubTypeSystemFees, asset)
}

// MarketKey is the price-exposure counterparty that settles position PnL.
func MarketKey(asset string) AccountKey {
	return NewExternalAccountKey(SubTypeExternalMarket, asset)
}

// AllowsNegative reports whether the account may be overdrawn. Only external
// boundary accounts can: they mirror value that lives outside the ledger.
func (k AccountKey) AllowsNegative() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeSystemPoolCash:
		return "pool_cash"
	case SubTypeSystemVaultCustody:
		return "vault_custody"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalMarket:
		return "market"
	default:
		return "unknown"
	}
}
