package collateral

import (
	"context"
	"errors"
	"fmt"

	"TroveLedger/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownCollateral   = errors.New("collateral: unknown type")
	ErrDuplicateCollateral = errors.New("collateral: type already registered")
)

// PriceSource is the per-type price derivation the protocol consumes.
// *oracle.Aggregator implements it.
type PriceSource interface {
	Preview(ctx context.Context) (oracle.Quote, error)
	Apply(q oracle.Quote)
	LastGoodPrice() *uint256.Int
	Status() oracle.Status
}

// Type describes one accepted collateral asset.
type Type struct {
	Token       common.Address
	Symbol      string
	Decimals    uint8
	SafetyRatio *uint256.Int // fixed-point weight applied to USD value
	Whitelisted bool
	Oracle      PriceSource
}

// Registry is the ordered set of collateral types. Order is registration
// order and is used wherever the protocol iterates over types.
type Registry struct {
	types map[common.Address]*Type
	order []common.Address
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[common.Address]*Type)}
}

func (r *Registry) Add(t Type) error {
	if t.Token == (common.Address{}) {
		return fmt.Errorf("%w: zero token address", ErrUnknownCollateral)
	}
	if _, ok := r.types[t.Token]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCollateral, t.Token.Hex())
	}
	if t.SafetyRatio == nil || t.SafetyRatio.IsZero() {
		return fmt.Errorf("collateral %s: safety ratio must be positive", t.Symbol)
	}
	if t.Oracle == nil {
		return fmt.Errorf("collateral %s: price source required", t.Symbol)
	}
	stored := t
	stored.SafetyRatio = new(uint256.Int).Set(t.SafetyRatio)
	r.types[t.Token] = &stored
	r.order = append(r.order, t.Token)
	return nil
}

// IsValid reports whether token is registered and currently accepted for deposit.
func (r *Registry) IsValid(token common.Address) bool {
	t, ok := r.types[token]
	return ok && t.Whitelisted
}

// Known reports whether token is registered at all.
func (r *Registry) Known(token common.Address) bool {
	_, ok := r.types[token]
	return ok
}

func (r *Registry) Get(token common.Address) (*Type, error) {
	t, ok := r.types[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollateral, token.Hex())
	}
	return t, nil
}

func (r *Registry) SafetyRatio(token common.Address) (*uint256.Int, error) {
	t, err := r.Get(token)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(t.SafetyRatio), nil
}

func (r *Registry) PriceOracle(token common.Address) (PriceSource, error) {
	t, err := r.Get(token)
	if err != nil {
		return nil, err
	}
	return t.Oracle, nil
}

func (r *Registry) Decimals(token common.Address) (uint8, error) {
	t, err := r.Get(token)
	if err != nil {
		return 0, err
	}
	return t.Decimals, nil
}

// Tokens returns all registered tokens in registration order.
func (r *Registry) Tokens() []common.Address {
	out := make([]common.Address, len(r.order))
	copy(out, r.order)
	return out
}

// Symbol returns the display symbol, or the hex address for unknown tokens.
func (r *Registry) Symbol(token common.Address) string {
	if t, ok := r.types[token]; ok {
		return t.Symbol
	}
	return token.Hex()
}

// BySymbol resolves a configured symbol to its token.
func (r *Registry) BySymbol(symbol string) (common.Address, bool) {
	for _, token := range r.order {
		if r.types[token].Symbol == symbol {
			return token, true
		}
	}
	return common.Address{}, false
}
