package trove

import (
	"context"
	"fmt"

	"TroveLedger/internal/collateral"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PriceSet memoizes one price per collateral type for the duration of a
// single operation. Oracle transitions are committed only through Commit.
type PriceSet struct {
	registry *collateral.Registry
	prices   map[common.Address]*uint256.Int
	quotes   []pricedQuote
}

type pricedQuote struct {
	token  common.Address
	source collateral.PriceSource
	quote  oracle.Quote
}

// OracleChange records a committed status transition.
type OracleChange struct {
	Token common.Address
	From  oracle.Status
	To    oracle.Status
	Price *uint256.Int
}

func newPriceSet(ctx context.Context, registry *collateral.Registry) *PriceSet {
	ps := &PriceSet{
		registry: registry,
		prices:   make(map[common.Address]*uint256.Int),
	}
	for _, token := range registry.Tokens() {
		t, err := registry.Get(token)
		if err != nil {
			continue
		}
		q, err := t.Oracle.Preview(ctx)
		if err != nil {
			continue
		}
		ps.prices[token] = q.Price
		ps.quotes = append(ps.quotes, pricedQuote{token: token, source: t.Oracle, quote: q})
	}
	return ps
}

// Has reports whether token has a usable price.
func (ps *PriceSet) Has(token common.Address) bool {
	_, ok := ps.prices[token]
	return ok
}

// Price returns the memoized price. Held collateral always has one, so a
// miss here is a broken invariant.
func (ps *PriceSet) Price(token common.Address) *uint256.Int {
	p, ok := ps.prices[token]
	if !ok {
		panic(fmt.Sprintf("FATAL: %v: %s", ErrPriceUnavailable, token.Hex()))
	}
	return new(uint256.Int).Set(p)
}

// RequirePrices fails if any token of b has no price.
func (ps *PriceSet) RequirePrices(b collateral.Basket) error {
	for _, token := range b.Tokens() {
		if !ps.Has(token) {
			return fmt.Errorf("%w: %s", ErrPriceUnavailable, token.Hex())
		}
	}
	return nil
}

func (ps *PriceSet) commit() []OracleChange {
	var changes []OracleChange
	for _, pq := range ps.quotes {
		pq.source.Apply(pq.quote)
		if pq.quote.StatusChanged() {
			changes = append(changes, OracleChange{
				Token: pq.token,
				From:  pq.quote.PrevStatus,
				To:    pq.quote.Status,
				Price: new(uint256.Int).Set(pq.quote.Price),
			})
		}
	}
	ps.quotes = nil
	return changes
}

// USDValue is amount * price in 18-decimal dollars.
func (ps *PriceSet) USDValue(token common.Address, amount *uint256.Int) *uint256.Int {
	t, err := ps.registry.Get(token)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	return fpmath.MulDiv(amount, ps.Price(token), fpmath.TokenUnit(t.Decimals), fpmath.RoundDown)
}

// VCOf is the risk-adjusted value of amount of token.
func (ps *PriceSet) VCOf(token common.Address, amount *uint256.Int) *uint256.Int {
	t, err := ps.registry.Get(token)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	return fpmath.MulUnits(ps.USDValue(token, amount), t.SafetyRatio)
}

// VC is the risk-adjusted value of a basket.
func (ps *PriceSet) VC(b collateral.Basket) *uint256.Int {
	total := new(uint256.Int)
	for _, e := range b.Entries() {
		if e.Amount.IsZero() {
			continue
		}
		total.Add(total, ps.VCOf(e.Token, e.Amount))
	}
	return total
}

// USD is the raw dollar value of a basket.
func (ps *PriceSet) USD(b collateral.Basket) *uint256.Int {
	total := new(uint256.Int)
	for _, e := range b.Entries() {
		if e.Amount.IsZero() {
			continue
		}
		total.Add(total, ps.USDValue(e.Token, e.Amount))
	}
	return total
}
