// Package stability implements the pooled-deposit mechanism that cancels
// liquidated debt against stablecoin deposits in exchange for collateral.
package stability

import (
	"errors"
	"fmt"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrZeroAmount = errors.New("stability: amount must be positive")
	ErrNoDeposit  = errors.New("stability: no deposit")
)

type deposit struct {
	amount *uint256.Int
	gains  collateral.Basket
}

// Pool keeps deposits in first-deposit order; offsets are shared pro rata
// by deposit size.
type Pool struct {
	holder     ledger.Holder
	book       *ledger.Book
	stable     *ledger.Token
	activePool *vault.Pool

	order    []common.Address
	deposits map[common.Address]*deposit
	total    *uint256.Int
	held     collateral.Basket // collateral gains not yet paid out
}

func NewPool(book *ledger.Book, stable *ledger.Token, activePool *vault.Pool) *Pool {
	return &Pool{
		holder:     ledger.SystemHolder(ledger.SubTypeStabilityPool),
		book:       book,
		stable:     stable,
		activePool: activePool,
		deposits:   make(map[common.Address]*deposit),
		total:      new(uint256.Int),
	}
}

func (p *Pool) Holder() ledger.Holder { return p.holder }

// TotalDeposits is the stablecoin available for offsetting.
func (p *Pool) TotalDeposits() *uint256.Int {
	return new(uint256.Int).Set(p.total)
}

// HeldCollateral is the pool's booked balance of token.
func (p *Pool) HeldCollateral(token common.Address) *uint256.Int {
	return p.held.Get(token)
}

func (p *Pool) DepositOf(owner common.Address) *uint256.Int {
	if d, ok := p.deposits[owner]; ok {
		return new(uint256.Int).Set(d.amount)
	}
	return new(uint256.Int)
}

func (p *Pool) GainsOf(owner common.Address) collateral.Basket {
	if d, ok := p.deposits[owner]; ok {
		return d.gains.Clone()
	}
	return collateral.Basket{}
}

// Depositors returns depositors in first-deposit order.
func (p *Pool) Depositors() []common.Address {
	out := make([]common.Address, len(p.order))
	copy(out, p.order)
	return out
}

// ValidateProvide checks owner can move amount stablecoin into the pool.
func (p *Pool) ValidateProvide(owner common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if bal := p.stable.BalanceOf(ledger.UserHolder(owner)); bal.Lt(amount) {
		return fmt.Errorf("stability: insufficient stablecoin balance: have=%s, need=%s", bal.Dec(), amount.Dec())
	}
	return nil
}

// Provide pays out pending gains and adds amount to owner's deposit.
func (p *Pool) Provide(owner common.Address, amount *uint256.Int) (collateral.Basket, error) {
	if err := p.ValidateProvide(owner, amount); err != nil {
		return collateral.Basket{}, err
	}
	gains, err := p.payGains(owner)
	if err != nil {
		return collateral.Basket{}, err
	}
	if err := p.stable.Transfer(ledger.UserHolder(owner), p.holder, amount, ledger.JournalTypeStabilityDeposit); err != nil {
		return collateral.Basket{}, err
	}
	d := p.entry(owner)
	d.amount.Add(d.amount, amount)
	p.total.Add(p.total, amount)
	return gains, nil
}

// Withdraw pays out pending gains and up to amount of owner's deposit.
// A zero amount only claims gains.
func (p *Pool) Withdraw(owner common.Address, amount *uint256.Int) (*uint256.Int, collateral.Basket, error) {
	d, ok := p.deposits[owner]
	if !ok {
		return nil, collateral.Basket{}, ErrNoDeposit
	}
	out := fpmath.Min(amount, d.amount)

	gains, err := p.payGains(owner)
	if err != nil {
		return nil, collateral.Basket{}, err
	}
	if err := p.stable.Transfer(p.holder, ledger.UserHolder(owner), out, ledger.JournalTypeStabilityWithdrawal); err != nil {
		return nil, collateral.Basket{}, err
	}
	d.amount.Sub(d.amount, out)
	p.total.Sub(p.total, out)
	p.prune(owner)
	return out, gains, nil
}

// Offset cancels up to debt against deposits, burning the stablecoin and
// taking coll from the active pool. Returns the debt absorbed; coll is
// taken in full only when all of debt is absorbed, otherwise pro rata.
func (p *Pool) Offset(debt *uint256.Int, coll collateral.Basket) (*uint256.Int, error) {
	absorbed := fpmath.Min(debt, p.total)
	if absorbed.IsZero() {
		return absorbed, nil
	}

	taken := coll.Clone()
	if absorbed.Lt(debt) {
		var scaled collateral.Basket
		for _, e := range coll.Entries() {
			scaled.Add(e.Token, fpmath.MulDiv(e.Amount, absorbed, debt, fpmath.RoundDown))
		}
		taken = scaled
	}

	if err := p.activePool.DecreaseDebt(absorbed); err != nil {
		return nil, err
	}
	if err := p.stable.Burn(p.holder, absorbed); err != nil {
		return nil, err
	}
	for _, e := range taken.Entries() {
		if err := p.activePool.SendCollateral(e.Token, e.Amount, p.holder, ledger.JournalTypeLiquidationOffset); err != nil {
			return nil, err
		}
		p.held.Add(e.Token, e.Amount)
	}

	p.distribute(absorbed, taken)
	return absorbed, nil
}

// distribute shares a loss and its collateral across depositors. Rounding
// remainders go to depositors in order, one unit each.
func (p *Pool) distribute(loss *uint256.Int, coll collateral.Basket) {
	totalBefore := new(uint256.Int).Set(p.total)

	lossLeft := new(uint256.Int).Set(loss)
	gainsLeft := coll.Clone()
	shares := make([]*uint256.Int, len(p.order))
	for i, owner := range p.order {
		d := p.deposits[owner]
		shares[i] = new(uint256.Int).Set(d.amount)
		if d.amount.IsZero() {
			continue
		}
		l := fpmath.MulDiv(loss, d.amount, totalBefore, fpmath.RoundDown)
		d.amount.Sub(d.amount, l)
		lossLeft.Sub(lossLeft, l)
		for _, e := range coll.Entries() {
			g := fpmath.MulDiv(e.Amount, shares[i], totalBefore, fpmath.RoundDown)
			d.gains.Add(e.Token, g)
			_ = gainsLeft.Sub(e.Token, g)
		}
	}

	one := uint256.NewInt(1)
	for i := 0; !lossLeft.IsZero() && i < len(p.order); i++ {
		d := p.deposits[p.order[i]]
		if d.amount.IsZero() {
			continue
		}
		d.amount.Sub(d.amount, one)
		lossLeft.Sub(lossLeft, one)
	}
	for i, owner := range p.order {
		if !shares[i].IsZero() {
			p.deposits[owner].gains.AddBasket(gainsLeft)
			break
		}
	}
	p.total.Sub(p.total, loss)
}

func (p *Pool) payGains(owner common.Address) (collateral.Basket, error) {
	d, ok := p.deposits[owner]
	if !ok {
		return collateral.Basket{}, nil
	}
	gains := d.gains.Clone()
	gains.Compact()
	for _, e := range gains.Entries() {
		if err := p.book.Move(e.Token, p.holder, ledger.UserHolder(owner), e.Amount, ledger.JournalTypeStabilityGain); err != nil {
			return collateral.Basket{}, err
		}
		if err := p.held.Sub(e.Token, e.Amount); err != nil {
			return collateral.Basket{}, err
		}
	}
	d.gains = collateral.Basket{}
	return gains, nil
}

func (p *Pool) entry(owner common.Address) *deposit {
	d, ok := p.deposits[owner]
	if !ok {
		d = &deposit{amount: new(uint256.Int)}
		p.deposits[owner] = d
		p.order = append(p.order, owner)
	}
	return d
}

func (p *Pool) prune(owner common.Address) {
	d := p.deposits[owner]
	if d == nil || !d.amount.IsZero() || !d.gains.IsZero() {
		return
	}
	delete(p.deposits, owner)
	for i, o := range p.order {
		if o == owner {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}
