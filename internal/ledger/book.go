package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// journalNamespace seeds deterministic journal and batch ids so that a
// replayed command produces byte-identical journals.
var journalNamespace = uuid.MustParse("6f1c1b52-3f0e-4d6a-9a55-2f6d8c1e7a10")

// Book applies transfers to the tracker as they are recorded and collects
// them into the batch of the current command.
type Book struct {
	tracker   *BalanceTracker
	ref       string
	sequence  int64
	timestamp int64
	batchID   uuid.UUID
	pending   []Journal
}

func NewBook(tracker *BalanceTracker) *Book {
	return &Book{tracker: tracker}
}

func (b *Book) Tracker() *BalanceTracker {
	return b.tracker
}

// Begin opens the batch of one command.
func (b *Book) Begin(ref string, sequence int64, timestampMicro int64) {
	b.ref = ref
	b.sequence = sequence
	b.timestamp = timestampMicro
	b.batchID = uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%d:%s", sequence, ref)))
	b.pending = nil
}

// Pending reports how many journals were recorded since Begin.
func (b *Book) Pending() int {
	return len(b.pending)
}

// Drain closes the current batch. An empty command yields an empty batch.
func (b *Book) Drain() *Batch {
	batch := &Batch{
		BatchID:   b.batchID,
		EventRef:  b.ref,
		Sequence:  b.sequence,
		Timestamp: b.timestamp,
		Journals:  b.pending,
	}
	b.pending = nil
	return batch
}

// Move records a transfer of amount of asset from one holder to another.
// Zero amounts are ignored.
func (b *Book) Move(asset common.Address, from, to Holder, amount *uint256.Int, jt JournalType) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	credit := NewAccountKey(from, asset)
	debit := NewAccountKey(to, asset)
	if credit == debit {
		return fmt.Errorf("transfer from %s to itself", credit.AccountPath())
	}
	if err := b.tracker.ValidateSufficient(credit, amount); err != nil {
		return err
	}

	j := Journal{
		JournalID:     uuid.NewSHA1(b.batchID, []byte(fmt.Sprintf("%d", len(b.pending)))),
		BatchID:       b.batchID,
		EventRef:      b.ref,
		Sequence:      b.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        new(uint256.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     b.timestamp,
	}
	b.tracker.ApplyJournal(j)
	b.pending = append(b.pending, j)
	return nil
}

// Token is the fungible-ledger view of one asset.
type Token struct {
	book  *Book
	asset common.Address
}

func NewToken(book *Book, asset common.Address) *Token {
	return &Token{book: book, asset: asset}
}

func (t *Token) Address() common.Address {
	return t.asset
}

func (t *Token) Mint(to Holder, amount *uint256.Int) error {
	return t.book.Move(t.asset, IssuanceHolder(), to, amount, JournalTypeMint)
}

func (t *Token) Burn(from Holder, amount *uint256.Int) error {
	return t.book.Move(t.asset, from, IssuanceHolder(), amount, JournalTypeBurn)
}

func (t *Token) Transfer(from, to Holder, amount *uint256.Int, jt JournalType) error {
	return t.book.Move(t.asset, from, to, amount, jt)
}

func (t *Token) BalanceOf(h Holder) *uint256.Int {
	return t.book.tracker.GetBalance(NewAccountKey(h, t.asset))
}

func (t *Token) TotalSupply() *uint256.Int {
	return t.book.tracker.TotalSupply(t.asset)
}
