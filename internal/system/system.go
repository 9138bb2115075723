// Package system wires one protocol instance: registry, ledger, vaults,
// stability pool, sorted index, trove manager and borrower operations.
package system

import (
	"context"
	"errors"
	"fmt"

	"TroveLedger/internal/borrower"
	"TroveLedger/internal/clock"
	"TroveLedger/internal/collateral"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/sortedtroves"
	"TroveLedger/internal/stability"
	"TroveLedger/internal/trove"
	"TroveLedger/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrUnderCollateralizedTroves = errors.New("system: cannot withdraw from stability pool while a trove has ICR < MCR")
	ErrMintStablecoin            = errors.New("system: stablecoin is only issued against troves")
)

// Config holds the protocol constants of an instance.
type Config struct {
	Stablecoin common.Address
	Params     trove.Params
	Oracle     oracle.Params
}

// Feeds are the two raw price sources and the aggregator of one type.
type Feeds struct {
	Primary    *oracle.RoundFeed
	Secondary  *oracle.ValueFeed
	Aggregator *oracle.Aggregator
	// reading scales
	PrimaryDecimals   uint8
	SecondaryDecimals uint8
}

type System struct {
	cfg    Config
	logger zerolog.Logger

	Clock       *clock.ManualClock
	Registry    *collateral.Registry
	Tracker     *ledger.BalanceTracker
	Book        *ledger.Book
	Validator   *ledger.InvariantValidator
	Stable      *ledger.Token
	ActivePool  *vault.Pool
	DefaultPool *vault.Pool
	Surplus     *vault.CollSurplusPool
	GasPool     *vault.GasPool
	FeeVault    *vault.FeeVault
	Stability   *stability.Pool
	Sorted      *sortedtroves.List
	Troves      *trove.Manager
	Borrower    *borrower.Operations

	feeds map[common.Address]*Feeds
}

func New(cfg Config, clk *clock.ManualClock, logger zerolog.Logger) (*System, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	tracker := ledger.NewBalanceTracker()
	book := ledger.NewBook(tracker)
	stable := ledger.NewToken(book, cfg.Stablecoin)
	active := vault.NewActivePool(book)
	registry := collateral.NewRegistry()
	sorted := sortedtroves.New(cfg.Params.MaxTroves, cfg.Params.MaxHintHops)
	s := &System{
		cfg:         cfg,
		logger:      logger,
		Clock:       clk,
		Registry:    registry,
		Tracker:     tracker,
		Book:        book,
		Validator:   ledger.NewInvariantValidator(tracker),
		Stable:      stable,
		ActivePool:  active,
		DefaultPool: vault.NewDefaultPool(book),
		Surplus:     vault.NewCollSurplusPool(book),
		GasPool:     vault.NewGasPool(),
		FeeVault:    vault.NewFeeVault(),
		Stability:   stability.NewPool(book, stable, active),
		Sorted:      sorted,
		feeds:       make(map[common.Address]*Feeds),
	}
	s.Troves = trove.NewManager(cfg.Params, trove.Deps{
		Registry:    registry,
		Sorted:      sorted,
		ActivePool:  s.ActivePool,
		DefaultPool: s.DefaultPool,
		Surplus:     s.Surplus,
		GasPool:     s.GasPool,
		FeeVault:    s.FeeVault,
		Stability:   s.Stability,
		Stable:      stable,
		Book:        book,
		Clock:       clk,
		Logger:      logger.With().Str("subsystem", "trove").Logger(),
	})
	s.Borrower = borrower.NewOperations(s.Troves, logger.With().Str("subsystem", "borrower").Logger())
	return s, nil
}

func (s *System) Config() Config { return s.cfg }

// CollateralSpec describes a type to register together with its feeds.
type CollateralSpec struct {
	Token             common.Address
	Symbol            string
	Decimals          uint8
	SafetyRatio       *uint256.Int
	Whitelisted       bool
	PrimaryDecimals   uint8
	SecondaryDecimals uint8
}

// AddCollateral registers a type backed by a fresh pair of feeds.
func (s *System) AddCollateral(spec CollateralSpec) error {
	if spec.Token == s.cfg.Stablecoin {
		return fmt.Errorf("%w: stablecoin cannot be collateral", collateral.ErrDuplicateCollateral)
	}
	f := &Feeds{
		Primary:           oracle.NewRoundFeed(),
		Secondary:         oracle.NewValueFeed(),
		PrimaryDecimals:   spec.PrimaryDecimals,
		SecondaryDecimals: spec.SecondaryDecimals,
	}
	f.Aggregator = oracle.NewAggregator(f.Primary, f.Secondary, s.Clock, s.cfg.Oracle,
		s.logger.With().Str("subsystem", "oracle").Str("collateral", spec.Symbol).Logger())

	err := s.Registry.Add(collateral.Type{
		Token:       spec.Token,
		Symbol:      spec.Symbol,
		Decimals:    spec.Decimals,
		SafetyRatio: spec.SafetyRatio,
		Whitelisted: spec.Whitelisted,
		Oracle:      f.Aggregator,
	})
	if err != nil {
		return err
	}
	s.feeds[spec.Token] = f
	return nil
}

// AddCollateralFile registers every type of file in file order. file must
// come from collateral.LoadFile or collateral.Parse.
func (s *System) AddCollateralFile(file collateral.FileConfig) error {
	for _, c := range file.Collaterals {
		err := s.AddCollateral(CollateralSpec{
			Token:             c.TokenAddress(),
			Symbol:            c.Symbol,
			Decimals:          c.Decimals,
			SafetyRatio:       c.Ratio(),
			Whitelisted:       *c.Whitelisted,
			PrimaryDecimals:   c.Oracle.PrimaryDecimals,
			SecondaryDecimals: c.Oracle.SecondaryDecimals,
		})
		if err != nil {
			return fmt.Errorf("collateral %s: %w", c.Symbol, err)
		}
	}
	return nil
}

// Feeds returns the price sources of a registered type.
func (s *System) Feeds(token common.Address) (*Feeds, bool) {
	f, ok := s.feeds[token]
	return f, ok
}

// MintCollateral credits tokens to a user wallet. It stands in for the
// external collateral token contracts.
func (s *System) MintCollateral(token, to common.Address, amount *uint256.Int) error {
	if token == s.cfg.Stablecoin {
		return ErrMintStablecoin
	}
	if !s.Registry.Known(token) {
		return fmt.Errorf("%w: %s", collateral.ErrUnknownCollateral, token.Hex())
	}
	if amount == nil || amount.IsZero() {
		return trove.ErrZeroAmount
	}
	return s.Book.Move(token, ledger.IssuanceHolder(), ledger.UserHolder(to), amount, ledger.JournalTypeMint)
}

// Transfer moves stablecoin between user wallets.
func (s *System) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return trove.ErrZeroAmount
	}
	return s.Stable.Transfer(ledger.UserHolder(from), ledger.UserHolder(to), amount, ledger.JournalTypeTransfer)
}

// ProvideToSP deposits stablecoin into the stability pool.
func (s *System) ProvideToSP(owner common.Address, amount *uint256.Int) (collateral.Basket, error) {
	gains, err := s.Stability.Provide(owner, amount)
	if err != nil {
		return collateral.Basket{}, err
	}
	return gains, nil
}

// WithdrawFromSP withdraws a deposit. Withdrawals of principal are blocked
// while the riskiest trove is below MCR so depositors cannot dodge a pending
// liquidation.
func (s *System) WithdrawFromSP(ctx context.Context, owner common.Address, amount *uint256.Int) (*uint256.Int, collateral.Basket, error) {
	if amount == nil {
		amount = new(uint256.Int)
	}
	ps := s.Troves.Prices(ctx)
	if !amount.IsZero() {
		if last := s.Sorted.Last(); last != (common.Address{}) && s.Troves.CurrentICR(last, ps).Lt(s.cfg.Params.MCR) {
			return nil, collateral.Basket{}, ErrUnderCollateralizedTroves
		}
	}
	out, gains, err := s.Stability.Withdraw(owner, amount)
	if err != nil {
		return nil, collateral.Basket{}, err
	}
	s.Troves.CommitPrices(ps)
	return out, gains, nil
}

// CheckInvariants verifies ledger conservation and that every vault's
// internal bookkeeping matches its ledger balance.
func (s *System) CheckInvariants() error {
	if err := s.Validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := s.Validator.ValidateNoNegativeHolders(); err != nil {
		return err
	}
	for _, token := range s.Registry.Tokens() {
		if err := s.Validator.ValidateBacking(s.ActivePool.Holder(), token, s.ActivePool.Collateral(token)); err != nil {
			return err
		}
		if err := s.Validator.ValidateBacking(s.DefaultPool.Holder(), token, s.DefaultPool.Collateral(token)); err != nil {
			return err
		}
		if err := s.Validator.ValidateBacking(s.Surplus.Holder(), token, s.Surplus.Total(token)); err != nil {
			return err
		}
		if err := s.Validator.ValidateBacking(s.Stability.Holder(), token, s.Stability.HeldCollateral(token)); err != nil {
			return err
		}
		if err := s.Validator.ValidateBacking(s.FeeVault.Holder(), token, s.FeeVault.Collected(token)); err != nil {
			return err
		}
	}
	if err := s.Validator.ValidateBacking(s.Stability.Holder(), s.cfg.Stablecoin, s.Stability.TotalDeposits()); err != nil {
		return err
	}

	want := fpmath.Units(0)
	for _, owner := range s.Troves.Owners() {
		want.Add(want, s.cfg.Params.GasCompensation)
		if !s.Sorted.Contains(owner) {
			return fmt.Errorf("active trove %s missing from index", owner.Hex())
		}
	}
	if s.Sorted.Size() != uint64(s.Troves.OwnersCount()) {
		return fmt.Errorf("index size %d, active troves %d", s.Sorted.Size(), s.Troves.OwnersCount())
	}
	return s.Validator.ValidateBacking(s.GasPool.Holder(), s.cfg.Stablecoin, want)
}
