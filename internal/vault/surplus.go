package vault

import (
	"errors"
	"sort"

	"TroveLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrNothingToClaim = errors.New("vault: no collateral available to claim")

// CollSurplusPool holds collateral left over from capped liquidations and
// full redemptions until its owner claims it.
type CollSurplusPool struct {
	holder ledger.Holder
	book   *ledger.Book
	claims map[common.Address]map[common.Address]*uint256.Int // owner -> token -> amount
	total  map[common.Address]*uint256.Int
}

func NewCollSurplusPool(book *ledger.Book) *CollSurplusPool {
	return &CollSurplusPool{
		holder: ledger.SystemHolder(ledger.SubTypeCollSurplusPool),
		book:   book,
		claims: make(map[common.Address]map[common.Address]*uint256.Int),
		total:  make(map[common.Address]*uint256.Int),
	}
}

func (s *CollSurplusPool) Holder() ledger.Holder { return s.holder }

// AccountSurplus books amount of token for owner. The tokens must already
// have been sent to the pool's holder.
func (s *CollSurplusPool) AccountSurplus(owner, token common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	perOwner, ok := s.claims[owner]
	if !ok {
		perOwner = make(map[common.Address]*uint256.Int)
		s.claims[owner] = perOwner
	}
	addTo(perOwner, token, amount)
	addTo(s.total, token, amount)
}

// Claimable returns the owner's balances.
func (s *CollSurplusPool) Claimable(owner common.Address) map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int)
	for token, v := range s.claims[owner] {
		if !v.IsZero() {
			out[token] = new(uint256.Int).Set(v)
		}
	}
	return out
}

func (s *CollSurplusPool) Total(token common.Address) *uint256.Int {
	if v, ok := s.total[token]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// Claim pays out everything owed to owner.
func (s *CollSurplusPool) Claim(owner common.Address) (map[common.Address]*uint256.Int, error) {
	owed := s.Claimable(owner)
	if len(owed) == 0 {
		return nil, ErrNothingToClaim
	}

	tokens := make([]common.Address, 0, len(owed))
	for token := range owed {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Hex() < tokens[j].Hex() })

	for _, token := range tokens {
		if err := s.book.Move(token, s.holder, ledger.UserHolder(owner), owed[token], ledger.JournalTypeCollateralSurplus); err != nil {
			return nil, err
		}
		s.total[token].Sub(s.total[token], owed[token])
	}
	delete(s.claims, owner)
	return owed, nil
}

func addTo(m map[common.Address]*uint256.Int, token common.Address, amount *uint256.Int) {
	v, ok := m[token]
	if !ok {
		v = new(uint256.Int)
		m[token] = v
	}
	v.Add(v, amount)
}
