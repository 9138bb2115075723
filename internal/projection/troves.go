package projection

import (
	"sort"
	"sync"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TroveRecord is the last published state of one trove. ICR is as of the
// command that last touched it and goes stale as prices move.
type TroveRecord struct {
	Owner         common.Address
	Status        string
	Debt          *uint256.Int
	Colls         []collateral.Entry
	ICR           *uint256.Int
	LastOperation event.CommandType
	LastSequence  int64
	UpdatedAt     int64 // epoch microseconds
}

// TroveView is the in-memory read model the query service serves from.
// It is fed by the projection worker and safe for concurrent reads.
type TroveView struct {
	mu      sync.RWMutex
	troves  map[common.Address]TroveRecord
	status  *core.SystemStatus
	lastSeq int64
}

func NewTroveView() *TroveView {
	return &TroveView{troves: make(map[common.Address]TroveRecord)}
}

// Apply folds one core output into the view. Rejected and already seen
// outputs are ignored.
func (v *TroveView) Apply(out core.CoreOutput) {
	if out.Envelope == nil || out.Err != nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if out.Envelope.Sequence <= v.lastSeq {
		return
	}

	ts := out.Envelope.Timestamp.UnixMicro()
	for _, evt := range out.Events {
		u, ok := evt.(*event.TroveUpdated)
		if !ok {
			continue
		}
		v.troves[u.Owner] = TroveRecord{
			Owner:         u.Owner,
			Status:        u.Status,
			Debt:          u.Debt,
			Colls:         u.Colls,
			ICR:           u.ICR,
			LastOperation: u.Operation,
			LastSequence:  u.Sequence,
			UpdatedAt:     ts,
		}
	}
	if out.Status != nil {
		v.status = out.Status
	}
	v.lastSeq = out.Envelope.Sequence
}

func (v *TroveView) Trove(owner common.Address) (TroveRecord, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.troves[owner]
	return t, ok
}

// Troves lists troves with the given status (all when empty), riskiest
// first, up to limit.
func (v *TroveView) Troves(status string, limit int) []TroveRecord {
	v.mu.RLock()
	out := make([]TroveRecord, 0, len(v.troves))
	for _, t := range v.troves {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].ICR.Cmp(out[j].ICR); c != 0 {
			return c < 0
		}
		return out[i].Owner.Hex() < out[j].Owner.Hex()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Status is the system status after the last applied command, nil before
// the first one.
func (v *TroveView) Status() *core.SystemStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.status
}

func (v *TroveView) LastSequence() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastSeq
}
