package collateral

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrDuplicateType  = errors.New("collateral: duplicate type in basket")
	ErrLengthMismatch = errors.New("collateral: token and amount lists differ in length")
	ErrBasketShort    = errors.New("collateral: basket holds less than requested")
)

// Entry is one (type, amount) pair of a basket.
type Entry struct {
	Token  common.Address
	Amount *uint256.Int
}

// Basket is an ordered association list of collateral type to amount with
// no duplicate types. Insertion order is preserved.
type Basket struct {
	entries []Entry
}

// NewBasket builds a basket from parallel lists, rejecting duplicates.
func NewBasket(tokens []common.Address, amounts []*uint256.Int) (Basket, error) {
	if len(tokens) != len(amounts) {
		return Basket{}, ErrLengthMismatch
	}
	var b Basket
	for i, token := range tokens {
		if b.Has(token) {
			return Basket{}, fmt.Errorf("%w: %s", ErrDuplicateType, token.Hex())
		}
		amount := amounts[i]
		if amount == nil {
			amount = new(uint256.Int)
		}
		b.entries = append(b.entries, Entry{Token: token, Amount: new(uint256.Int).Set(amount)})
	}
	return b, nil
}

func (b Basket) Len() int { return len(b.entries) }

func (b Basket) Has(token common.Address) bool {
	return b.index(token) >= 0
}

func (b Basket) index(token common.Address) int {
	for i, e := range b.entries {
		if e.Token == token {
			return i
		}
	}
	return -1
}

// Get returns the amount of token, zero if absent.
func (b Basket) Get(token common.Address) *uint256.Int {
	if i := b.index(token); i >= 0 {
		return new(uint256.Int).Set(b.entries[i].Amount)
	}
	return new(uint256.Int)
}

// Entries returns a deep copy of the entries in order.
func (b Basket) Entries() []Entry {
	out := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		out[i] = Entry{Token: e.Token, Amount: new(uint256.Int).Set(e.Amount)}
	}
	return out
}

func (b Basket) Tokens() []common.Address {
	out := make([]common.Address, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Token
	}
	return out
}

func (b Basket) Clone() Basket {
	return Basket{entries: b.Entries()}
}

// IsZero reports whether every amount is zero.
func (b Basket) IsZero() bool {
	for _, e := range b.entries {
		if !e.Amount.IsZero() {
			return false
		}
	}
	return true
}

// Add increases token by amount, appending the type if new.
func (b *Basket) Add(token common.Address, amount *uint256.Int) {
	if i := b.index(token); i >= 0 {
		b.entries[i].Amount.Add(b.entries[i].Amount, amount)
		return
	}
	b.entries = append(b.entries, Entry{Token: token, Amount: new(uint256.Int).Set(amount)})
}

// Sub decreases token by amount.
func (b *Basket) Sub(token common.Address, amount *uint256.Int) error {
	i := b.index(token)
	if i < 0 {
		if amount.IsZero() {
			return nil
		}
		return fmt.Errorf("%w: %s absent", ErrBasketShort, token.Hex())
	}
	if b.entries[i].Amount.Lt(amount) {
		return fmt.Errorf("%w: %s", ErrBasketShort, token.Hex())
	}
	b.entries[i].Amount.Sub(b.entries[i].Amount, amount)
	return nil
}

// AddBasket adds every entry of other.
func (b *Basket) AddBasket(other Basket) {
	for _, e := range other.entries {
		b.Add(e.Token, e.Amount)
	}
}

// Compact drops zero entries, keeping order.
func (b *Basket) Compact() {
	kept := b.entries[:0]
	for _, e := range b.entries {
		if !e.Amount.IsZero() {
			kept = append(kept, e)
		}
	}
	b.entries = kept
}
