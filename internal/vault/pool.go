// Package vault holds the passive pools that custody collateral and book
// aggregate debt. Pools never decide anything; callers validate first.
package vault

import (
	"errors"
	"fmt"
	"sort"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInsufficientPoolBalance = errors.New("vault: insufficient pool balance")

// Pool books collateral per type and aggregate debt. Collateral it books is
// held by its ledger holder; debt is an accounting figure only.
type Pool struct {
	name   string
	holder ledger.Holder
	book   *ledger.Book
	coll   map[common.Address]*uint256.Int
	debt   *uint256.Int
}

func newPool(name string, subType ledger.AccountSubType, book *ledger.Book) *Pool {
	return &Pool{
		name:   name,
		holder: ledger.SystemHolder(subType),
		book:   book,
		coll:   make(map[common.Address]*uint256.Int),
		debt:   new(uint256.Int),
	}
}

// NewActivePool books the collateral and debt of active troves.
func NewActivePool(book *ledger.Book) *Pool {
	return newPool("active_pool", ledger.SubTypeActivePool, book)
}

// NewDefaultPool books redistributed collateral and debt awaiting pickup.
func NewDefaultPool(book *ledger.Book) *Pool {
	return newPool("default_pool", ledger.SubTypeDefaultPool, book)
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Holder() ledger.Holder { return p.holder }

func (p *Pool) Collateral(token common.Address) *uint256.Int {
	if v, ok := p.coll[token]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (p *Pool) Debt() *uint256.Int {
	return new(uint256.Int).Set(p.debt)
}

// Tokens returns the types with a non-zero booked balance.
func (p *Pool) Tokens() []common.Address {
	out := make([]common.Address, 0, len(p.coll))
	for token, v := range p.coll {
		if !v.IsZero() {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

func (p *Pool) IncreaseCollateral(token common.Address, amount *uint256.Int) {
	v, ok := p.coll[token]
	if !ok {
		v = new(uint256.Int)
		p.coll[token] = v
	}
	v.Add(v, amount)
}

func (p *Pool) DecreaseCollateral(token common.Address, amount *uint256.Int) error {
	v := p.coll[token]
	if v == nil || v.Lt(amount) {
		return fmt.Errorf("%w: %s collateral %s", ErrInsufficientPoolBalance, p.name, token.Hex())
	}
	v.Sub(v, amount)
	return nil
}

func (p *Pool) IncreaseDebt(amount *uint256.Int) {
	p.debt.Add(p.debt, amount)
}

func (p *Pool) DecreaseDebt(amount *uint256.Int) error {
	if p.debt.Lt(amount) {
		return fmt.Errorf("%w: %s debt", ErrInsufficientPoolBalance, p.name)
	}
	p.debt.Sub(p.debt, amount)
	return nil
}

// ReceiveCollateral pulls tokens from a holder and books them.
func (p *Pool) ReceiveCollateral(token common.Address, amount *uint256.Int, from ledger.Holder, jt ledger.JournalType) error {
	if err := p.book.Move(token, from, p.holder, amount, jt); err != nil {
		return err
	}
	p.IncreaseCollateral(token, amount)
	return nil
}

// SendCollateral unbooks tokens and pays them to a holder.
func (p *Pool) SendCollateral(token common.Address, amount *uint256.Int, to ledger.Holder, jt ledger.JournalType) error {
	if amount.IsZero() {
		return nil
	}
	if err := p.DecreaseCollateral(token, amount); err != nil {
		return err
	}
	return p.book.Move(token, p.holder, to, amount, jt)
}

// MoveTo transfers booked collateral and debt into another pool.
func (p *Pool) MoveTo(dst *Pool, colls collateral.Basket, debt *uint256.Int, jt ledger.JournalType) error {
	if err := p.DecreaseDebt(debt); err != nil {
		return err
	}
	dst.IncreaseDebt(debt)
	for _, e := range colls.Entries() {
		if err := p.SendCollateral(e.Token, e.Amount, dst.holder, jt); err != nil {
			return err
		}
		dst.IncreaseCollateral(e.Token, e.Amount)
	}
	return nil
}

// Booked returns the booked collateral of every type, for backing checks.
func (p *Pool) Booked() map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int, len(p.coll))
	for token, v := range p.coll {
		out[token] = new(uint256.Int).Set(v)
	}
	return out
}
