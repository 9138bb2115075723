package vault

import (
	"TroveLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// GasPool holds the stablecoin reserve minted for every trove.
type GasPool struct {
	holder ledger.Holder
}

func NewGasPool() *GasPool {
	return &GasPool{holder: ledger.SystemHolder(ledger.SubTypeGasPool)}
}

func (g *GasPool) Holder() ledger.Holder { return g.holder }

// FeeVault receives borrowing fees in stablecoin and redemption fees in
// collateral, standing in for the staking/buyback collaborator.
type FeeVault struct {
	holder    ledger.Holder
	collected map[common.Address]*uint256.Int
}

func NewFeeVault() *FeeVault {
	return &FeeVault{
		holder:    ledger.SystemHolder(ledger.SubTypeFeeVault),
		collected: make(map[common.Address]*uint256.Int),
	}
}

func (f *FeeVault) Holder() ledger.Holder { return f.holder }

// IncreaseFees books a fee that has been paid to the vault's holder.
func (f *FeeVault) IncreaseFees(token common.Address, amount *uint256.Int) {
	addTo(f.collected, token, amount)
}

func (f *FeeVault) Collected(token common.Address) *uint256.Int {
	if v, ok := f.collected[token]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}
