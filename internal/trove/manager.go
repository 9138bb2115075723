package trove

import (
	"context"
	"fmt"

	"TroveLedger/internal/clock"
	"TroveLedger/internal/collateral"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/sortedtroves"
	"TroveLedger/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Offsetter is the pooled-deposit mechanism liquidations cancel debt against.
type Offsetter interface {
	Offset(debt *uint256.Int, coll collateral.Basket) (*uint256.Int, error)
	TotalDeposits() *uint256.Int
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Registry    *collateral.Registry
	Sorted      *sortedtroves.List
	ActivePool  *vault.Pool
	DefaultPool *vault.Pool
	Surplus     *vault.CollSurplusPool
	GasPool     *vault.GasPool
	FeeVault    *vault.FeeVault
	Stability   Offsetter
	Stable      *ledger.Token
	Book        *ledger.Book
	Clock       clock.Clock
	Logger      zerolog.Logger
}

// Manager owns trove records, stakes, reward accumulators and the
// liquidation and redemption algorithms. Not thread-safe.
type Manager struct {
	params Params
	Deps

	troves map[common.Address]*Trove
	owners []common.Address

	totalStakes             map[common.Address]*uint256.Int
	totalStakesSnapshot     map[common.Address]*uint256.Int
	totalCollateralSnapshot map[common.Address]*uint256.Int
	lColl                   map[common.Address]*uint256.Int
	lDebt                   map[common.Address]*uint256.Int
	lastCollError           map[common.Address]*uint256.Int
	lastDebtError           map[common.Address]*uint256.Int

	fees   *FeeSchedule
	outbox Outbox
}

func NewManager(params Params, deps Deps) *Manager {
	return &Manager{
		params:                  params,
		Deps:                    deps,
		troves:                  make(map[common.Address]*Trove),
		totalStakes:             make(map[common.Address]*uint256.Int),
		totalStakesSnapshot:     make(map[common.Address]*uint256.Int),
		totalCollateralSnapshot: make(map[common.Address]*uint256.Int),
		lColl:                   make(map[common.Address]*uint256.Int),
		lDebt:                   make(map[common.Address]*uint256.Int),
		lastCollError:           make(map[common.Address]*uint256.Int),
		lastDebtError:           make(map[common.Address]*uint256.Int),
		fees:                    NewFeeSchedule(params, deps.Clock.Now()),
	}
}

func (m *Manager) Params() Params { return m.params }

func (m *Manager) Fees() *FeeSchedule { return m.fees }

// Prices previews every collateral type's oracle for one operation.
func (m *Manager) Prices(ctx context.Context) *PriceSet {
	return newPriceSet(ctx, m.Registry)
}

// CommitPrices applies the oracle transitions observed by a successful operation.
func (m *Manager) CommitPrices(ps *PriceSet) {
	m.outbox.OracleChanges = append(m.outbox.OracleChanges, ps.commit()...)
}

// --- read-only views ---

func (m *Manager) Trove(owner common.Address) (Trove, bool) {
	t, ok := m.troves[owner]
	if !ok {
		return Trove{}, false
	}
	return t.Clone(), true
}

func (m *Manager) Status(owner common.Address) Status {
	if t, ok := m.troves[owner]; ok {
		return t.Status
	}
	return StatusNonExistent
}

func (m *Manager) IsActive(owner common.Address) bool {
	return m.Status(owner) == StatusActive
}

// Owners returns active owners. Order changes on removal (swap with last).
func (m *Manager) Owners() []common.Address {
	out := make([]common.Address, len(m.owners))
	copy(out, m.owners)
	return out
}

func (m *Manager) OwnersCount() int { return len(m.owners) }

func (m *Manager) TotalStakes(token common.Address) *uint256.Int { return get(m.totalStakes, token) }

func (m *Manager) TotalStakesSnapshot(token common.Address) *uint256.Int {
	return get(m.totalStakesSnapshot, token)
}

func (m *Manager) TotalCollateralSnapshot(token common.Address) *uint256.Int {
	return get(m.totalCollateralSnapshot, token)
}

// L returns the per-stake reward accumulators of a type.
func (m *Manager) L(token common.Address) (coll, debt *uint256.Int) {
	return get(m.lColl, token), get(m.lDebt, token)
}

// PendingRewards is the redistribution share not yet applied to a trove.
func (m *Manager) PendingRewards(owner common.Address) (*uint256.Int, collateral.Basket) {
	t, ok := m.troves[owner]
	pendingDebt := new(uint256.Int)
	var pendingColl collateral.Basket
	if !ok || !t.IsActive() {
		return pendingDebt, pendingColl
	}

	for _, e := range t.Stakes.Entries() {
		if e.Amount.IsZero() {
			continue
		}
		snap := t.Snapshots[e.Token]
		lColl, lDebt := m.L(e.Token)
		if snap.CollPerStake != nil {
			lColl.Sub(lColl, snap.CollPerStake)
			lDebt.Sub(lDebt, snap.DebtPerStake)
		}
		if c := fpmath.MulUnits(e.Amount, lColl); !c.IsZero() {
			pendingColl.Add(e.Token, c)
		}
		pendingDebt.Add(pendingDebt, fpmath.MulUnits(e.Amount, lDebt))
	}
	return pendingDebt, pendingColl
}

func (m *Manager) HasPendingRewards(owner common.Address) bool {
	debt, coll := m.PendingRewards(owner)
	return !debt.IsZero() || !coll.IsZero()
}

// EntirePosition returns debt and collateral including pending rewards,
// without persisting anything.
func (m *Manager) EntirePosition(owner common.Address) Position {
	pos := Position{Debt: new(uint256.Int), PendingDebt: new(uint256.Int)}
	t, ok := m.troves[owner]
	if !ok || !t.IsActive() {
		return pos
	}
	pendingDebt, pendingColl := m.PendingRewards(owner)
	pos.Debt = new(uint256.Int).Add(t.Debt, pendingDebt)
	pos.Colls = t.Colls.Clone()
	pos.Colls.AddBasket(pendingColl)
	pos.PendingDebt = pendingDebt
	pos.PendingColl = pendingColl
	return pos
}

// CurrentICR is the trove's ratio with pending rewards at ps.
func (m *Manager) CurrentICR(owner common.Address, ps *PriceSet) *uint256.Int {
	pos := m.EntirePosition(owner)
	return fpmath.ComputeCR(ps.VC(pos.Colls), pos.Debt)
}

// ComputeICR is the ratio of an arbitrary (hypothetical) position.
func (m *Manager) ComputeICR(colls collateral.Basket, debt *uint256.Int, ps *PriceSet) *uint256.Int {
	return fpmath.ComputeCR(ps.VC(colls), debt)
}

// metric adapts CurrentICR for the sorted list.
func (m *Manager) metric(ps *PriceSet) sortedtroves.Metric {
	return func(id common.Address) *uint256.Int {
		return m.CurrentICR(id, ps)
	}
}

func (m *Manager) EntireSystemDebt() *uint256.Int {
	return new(uint256.Int).Add(m.ActivePool.Debt(), m.DefaultPool.Debt())
}

// EntireSystemColl is active plus default pool collateral per registered type.
func (m *Manager) EntireSystemColl() collateral.Basket {
	var b collateral.Basket
	for _, token := range m.Registry.Tokens() {
		amount := new(uint256.Int).Add(m.ActivePool.Collateral(token), m.DefaultPool.Collateral(token))
		if !amount.IsZero() {
			b.Add(token, amount)
		}
	}
	return b
}

func (m *Manager) TCR(ps *PriceSet) *uint256.Int {
	return fpmath.ComputeCR(ps.VC(m.EntireSystemColl()), m.EntireSystemDebt())
}

// CheckRecoveryMode is recomputed from live totals on every call.
// TCR equal to CCR is Normal Mode.
func (m *Manager) CheckRecoveryMode(ps *PriceSet) bool {
	return m.TCR(ps).Lt(m.params.CCR)
}

// CheckPotentialRecoveryMode evaluates recovery mode for hypothetical totals.
func (m *Manager) CheckPotentialRecoveryMode(coll collateral.Basket, debt *uint256.Int, ps *PriceSet) bool {
	return fpmath.ComputeCR(ps.VC(coll), debt).Lt(m.params.CCR)
}

// BorrowingFee is the fee for a debt increase at the current base rate.
func (m *Manager) BorrowingFee(debt *uint256.Int) *uint256.Int {
	return m.fees.BorrowingFee(debt, m.Clock.Now())
}

// NetDebt removes the gas compensation reserve from a composite debt.
func (m *Manager) NetDebt(debt *uint256.Int) *uint256.Int {
	return fpmath.SubOrZero(debt, m.params.GasCompensation)
}

// CompositeDebt adds the gas compensation reserve to a net debt.
func (m *Manager) CompositeDebt(netDebt *uint256.Int) *uint256.Int {
	return new(uint256.Int).Add(netDebt, m.params.GasCompensation)
}

// CollGasCompensation is the liquidator's collateral share of a basket.
func (m *Manager) CollGasCompensation(colls collateral.Basket) collateral.Basket {
	var out collateral.Basket
	divisor := uint256.NewInt(m.params.CollGasCompDivisor)
	for _, e := range colls.Entries() {
		out.Add(e.Token, new(uint256.Int).Div(e.Amount, divisor))
	}
	return out
}

// --- mutations used by borrower operations ---

// ActivateTrove starts a fresh lifecycle for owner with the given position.
func (m *Manager) ActivateTrove(owner common.Address, colls collateral.Basket, debt *uint256.Int) {
	t, ok := m.troves[owner]
	if !ok {
		t = newTrove(owner)
		m.troves[owner] = t
	}
	if t.IsActive() {
		panic(fmt.Sprintf("FATAL: activating active trove %s", owner.Hex()))
	}
	t.Status = StatusActive
	t.Colls = colls.Clone()
	t.Debt = new(uint256.Int).Set(debt)
	t.Stakes = collateral.Basket{}
	t.Snapshots = make(map[common.Address]RewardSnapshot)
	t.ArrayIndex = uint64(len(m.owners))
	m.owners = append(m.owners, owner)
	m.MarkTouched(owner)
}

// SetPosition overwrites the stored collateral and debt of an active trove.
func (m *Manager) SetPosition(owner common.Address, colls collateral.Basket, debt *uint256.Int) {
	t := m.mustActive(owner)
	t.Colls = colls.Clone()
	t.Colls.Compact()
	t.Debt = new(uint256.Int).Set(debt)
	m.MarkTouched(owner)
}

// ApplyPendingRewards moves pending redistribution from the default pool
// into the trove and re-anchors its snapshots.
func (m *Manager) ApplyPendingRewards(owner common.Address) error {
	t, ok := m.troves[owner]
	if !ok || !t.IsActive() {
		return ErrTroveNotActive
	}
	if !m.HasPendingRewards(owner) {
		return nil
	}

	pendingDebt, pendingColl := m.PendingRewards(owner)
	t.Colls.AddBasket(pendingColl)
	t.Debt.Add(t.Debt, pendingDebt)
	m.UpdateRewardSnapshots(owner)

	if err := m.DefaultPool.MoveTo(m.ActivePool, pendingColl, pendingDebt, ledger.JournalTypeRewardPickup); err != nil {
		return err
	}
	m.MarkTouched(owner)
	return nil
}

// UpdateRewardSnapshots anchors the trove to the current accumulators.
func (m *Manager) UpdateRewardSnapshots(owner common.Address) {
	t := m.mustActive(owner)
	t.Snapshots = make(map[common.Address]RewardSnapshot, t.Colls.Len())
	for _, token := range t.Colls.Tokens() {
		lColl, lDebt := m.L(token)
		t.Snapshots[token] = RewardSnapshot{CollPerStake: lColl, DebtPerStake: lDebt}
	}
}

// UpdateStakeAndTotalStakes recomputes per-type stakes from the stored collateral.
func (m *Manager) UpdateStakeAndTotalStakes(owner common.Address) {
	t := m.mustActive(owner)
	var stakes collateral.Basket
	for _, e := range t.Colls.Entries() {
		stakes.Add(e.Token, m.computeNewStake(e.Token, e.Amount))
	}
	for _, token := range m.Registry.Tokens() {
		total := m.entry(m.totalStakes, token)
		total.Sub(total, t.Stakes.Get(token))
		total.Add(total, stakes.Get(token))
	}
	t.Stakes = stakes
}

// RemoveStake zeroes the trove's stakes.
func (m *Manager) RemoveStake(owner common.Address) {
	t := m.mustActive(owner)
	for _, e := range t.Stakes.Entries() {
		total := m.entry(m.totalStakes, e.Token)
		total.Sub(total, e.Amount)
	}
	t.Stakes = collateral.Basket{}
}

// computeNewStake keeps stakes comparable across redistributions:
// stake = coll * totalStakesSnapshot / totalCollateralSnapshot.
func (m *Manager) computeNewStake(token common.Address, coll *uint256.Int) *uint256.Int {
	collSnap := get(m.totalCollateralSnapshot, token)
	if collSnap.IsZero() {
		return new(uint256.Int).Set(coll)
	}
	return fpmath.MulDiv(coll, get(m.totalStakesSnapshot, token), collSnap, fpmath.RoundDown)
}

// CloseTrove ends the lifecycle of an active trove. Closing the last
// active trove is never legal.
func (m *Manager) CloseTrove(owner common.Address, status Status) {
	t := m.mustActive(owner)
	if len(m.owners) <= 1 {
		panic("FATAL: closing the only active trove")
	}
	if status == StatusActive || status == StatusNonExistent {
		panic(fmt.Sprintf("FATAL: invalid closing status %s", status))
	}

	m.RemoveStake(owner)
	t.Status = status
	t.Colls = collateral.Basket{}
	t.Debt = new(uint256.Int)
	t.Snapshots = make(map[common.Address]RewardSnapshot)
	m.removeOwner(owner)

	if err := m.Sorted.Remove(owner); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	m.MarkTouched(owner)
}

// removeOwner swaps the last owner into the removed slot.
func (m *Manager) removeOwner(owner common.Address) {
	t := m.troves[owner]
	idx := t.ArrayIndex
	last := uint64(len(m.owners) - 1)
	if idx > last || m.owners[idx] != owner {
		panic(fmt.Sprintf("FATAL: owners array out of sync for %s", owner.Hex()))
	}
	moved := m.owners[last]
	m.owners[idx] = moved
	m.troves[moved].ArrayIndex = idx
	m.owners = m.owners[:last]
	t.ArrayIndex = 0
}

// InsertSorted adds an active trove to the sorted index at its ICR.
func (m *Manager) InsertSorted(owner common.Address, ps *PriceSet, prevHint, nextHint common.Address) {
	icr := m.CurrentICR(owner, ps)
	if err := m.Sorted.Insert(owner, icr, m.metric(ps), prevHint, nextHint); err != nil {
		panic(fmt.Sprintf("FATAL: sorted insert %s: %v", owner.Hex(), err))
	}
}

// ReInsertSorted moves an active trove to the position of its current ICR.
func (m *Manager) ReInsertSorted(owner common.Address, ps *PriceSet, prevHint, nextHint common.Address) {
	icr := m.CurrentICR(owner, ps)
	if err := m.Sorted.ReInsert(owner, icr, m.metric(ps), prevHint, nextHint); err != nil {
		panic(fmt.Sprintf("FATAL: sorted reinsert %s: %v", owner.Hex(), err))
	}
}

// FindInsertPosition exposes hint search at the current prices.
func (m *Manager) FindInsertPosition(icr *uint256.Int, ps *PriceSet, prevHint, nextHint common.Address) (common.Address, common.Address) {
	return m.Sorted.FindInsertPosition(icr, m.metric(ps), prevHint, nextHint)
}

// ApplyFeeUpdate commits a base rate change.
func (m *Manager) ApplyFeeUpdate(u FeeUpdate) {
	before := m.fees.BaseRate()
	m.fees.Apply(u)
	if !before.Eq(u.BaseRate) {
		m.outbox.BaseRates = append(m.outbox.BaseRates, new(uint256.Int).Set(u.BaseRate))
	}
}

func (m *Manager) mustActive(owner common.Address) *Trove {
	t, ok := m.troves[owner]
	if !ok || !t.IsActive() {
		panic(fmt.Sprintf("FATAL: %v: %s", ErrTroveNotActive, owner.Hex()))
	}
	return t
}

func (m *Manager) entry(mp map[common.Address]*uint256.Int, token common.Address) *uint256.Int {
	v, ok := mp[token]
	if !ok {
		v = new(uint256.Int)
		mp[token] = v
	}
	return v
}

func get(mp map[common.Address]*uint256.Int, token common.Address) *uint256.Int {
	if v, ok := mp[token]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}
