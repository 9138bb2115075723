package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
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

	// System sub-types: one per passive vault
	SubTypeActivePool
	SubTypeDefaultPool
	SubTypeStabilityPool
	SubTypeCollSurplusPool
	SubTypeGasPool
	SubTypeFeeVault

	// External sub-types
	SubTypeExternalIssuance
)

// Holder is anything that can own a token balance.
type Holder struct {
	Scope   AccountScope
	Entity  common.Address // owner address for users, zero for system/external
	SubType AccountSubType
}

// UserHolder is the wallet of an owner.
func UserHolder(owner common.Address) Holder {
	return Holder{Scope: AccountScopeUser, Entity: owner, SubType: SubTypeWallet}
}

// SystemHolder is a protocol vault.
func SystemHolder(subType AccountSubType) Holder {
	return Holder{Scope: AccountScopeSystem, SubType: subType}
}

// IssuanceHolder is the boundary account minted from and burned into.
// Its balance is the negated total supply.
func IssuanceHolder() Holder {
	return Holder{Scope: AccountScopeExternal, SubType: SubTypeExternalIssuance}
}

func (h Holder) String() string {
	switch h.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", h.Entity.Hex(), subTypeName(h.SubType))
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", subTypeName(h.SubType))
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", subTypeName(h.SubType))
	}
	return "unknown"
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Holder
	Asset common.Address
}

func NewAccountKey(h Holder, asset common.Address) AccountKey {
	return AccountKey{Holder: h, Asset: asset}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("%s:%s", k.Holder.String(), k.Asset.Hex())
}

func subTypeName(s AccountSubType) string {
	switch s {
	case SubTypeWallet:
		return "wallet"
	case SubTypeActivePool:
		return "active_pool"
	case SubTypeDefaultPool:
		return "default_pool"
	case SubTypeStabilityPool:
		return "stability_pool"
	case SubTypeCollSurplusPool:
		return "coll_surplus_pool"
	case SubTypeGasPool:
		return "gas_pool"
	case SubTypeFeeVault:
		return "fee_vault"
	case SubTypeExternalIssuance:
		return "issuance"
	default:
		return "unknown"
	}
}
