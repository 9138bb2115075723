package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"TroveLedger/internal/borrower"
	"TroveLedger/internal/collateral"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/system"
	"TroveLedger/internal/trove"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrTimestampRegression = errors.New("core: command timestamp precedes the last applied command")
	ErrUnknownCommand      = errors.New("core: unknown command type")
	ErrUnknownFeed         = errors.New("core: no price feeds for token")
	ErrInvalidReading      = errors.New("core: price reading has no value")
)

// Engine is the single-threaded command processor. Every command either
// applies atomically or is recorded as rejected with no state change; both
// advance the global sequence and the state hash chain.
type Engine struct {
	sys               *system.System
	sequence          int64 // next sequence to assign
	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger
	replaying         bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	replayObserver func(CoreOutput)
}

// CoreOutput is everything one recorded command produced.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Command    event.Command
	Batch      *ledger.Batch
	Events     []event.DomainEvent
	StateDelta []byte
	Status     *SystemStatus // nil when rejected
	Err        error         // rejection cause, nil when applied
}

// Options configures an Engine. Nil channels disable that output.
type Options struct {
	PersistChan         chan<- CoreOutput
	ProjectionChan      chan<- CoreOutput
	DBChecker           DBIdempotencyChecker
	IdempotencyCapacity int
	Metrics             *observability.Metrics
	Logger              zerolog.Logger

	// ReplayObserver sees every output re-derived by Replay, which are
	// otherwise not emitted. It runs on the replaying goroutine.
	ReplayObserver func(CoreOutput)
}

func NewEngine(sys *system.System, opts Options) (*Engine, error) {
	capacity := opts.IdempotencyCapacity
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	idempotency, err := NewIdempotencyChecker(capacity, opts.DBChecker)
	if err != nil {
		return nil, err
	}
	return &Engine{
		sys:               sys,
		sequence:          1,
		hasher:            NewStateHasher(),
		idempotency:       idempotency,
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
		replayObserver:    opts.ReplayObserver,
	}, nil
}

// Process runs one command through the pipeline. It returns (nil, nil) for
// duplicates and stale price readings, and an error only when the command
// violates source ordering; domain rejections are reported in CoreOutput.Err.
func (e *Engine) Process(ctx context.Context, cmd event.Command) (*CoreOutput, error) {
	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()
	partition := cmd.Partition()

	// Step 1: Idempotency check (two-tier). The log being replayed holds
	// each key once and would match itself in tier 2.
	if !e.replaying && e.idempotency.IsDuplicate(commandType, idempotencyKey) {
		e.countRejected(commandType, "duplicate")
		return nil, nil
	}

	// Step 2: Sequence validation. Price readings tolerate gaps and drop
	// stale values; user commands must arrive in order.
	if isPriceCommand(cmd) {
		if !e.sequenceValidator.AcceptPriceSequence(partition, cmd.SourceSequence()) {
			e.countRejected(commandType, "stale")
			return nil, nil
		}
	} else if err := e.sequenceValidator.ValidateSequence(partition, cmd.SourceSequence(), false); err != nil {
		e.countSequenceError(err)
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	// Step 3: Versioned time
	seq := e.sequence
	ts := cmd.Time()
	e.sys.Book.Begin(idempotencyKey, seq, ts.UnixMicro())

	var domainErr error
	if ts.Before(e.sys.Clock.Now()) {
		domainErr = fmt.Errorf("%w: %s < %s", ErrTimestampRegression, ts.UTC().Format(time.RFC3339Nano),
			e.sys.Clock.Now().UTC().Format(time.RFC3339Nano))
	} else {
		e.sys.Clock.Set(ts)
		// Step 4: Dispatch
		domainErr = e.dispatch(ctx, cmd)
	}

	batch := e.sys.Book.Drain()
	outbox := e.sys.Troves.Drain()
	out := CoreOutput{Command: cmd, Batch: batch, Err: domainErr}

	// Step 5: Batch validation and state digest
	if domainErr != nil {
		if len(batch.Journals) > 0 {
			panic(fmt.Sprintf("FATAL: rejected %s recorded %d journals", commandType, len(batch.Journals)))
		}
	} else {
		if len(batch.Journals) > 0 {
			if err := e.sys.Validator.ValidateBatchBalance(batch); err != nil {
				panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
			}
		}
		out.Events = e.domainEvents(ctx, seq, cmd, outbox)
		out.StateDelta = e.computeStateDigest(batch, outbox)
	}

	// Step 6: State hash
	hashStart := time.Now()
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(seq, out.StateDelta)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	out.Envelope = &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		CommandType:    cmd.CommandType(),
		Partition:      partition,
		Timestamp:      ts,
		SourceSequence: cmd.SourceSequence(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	if domainErr != nil {
		out.Envelope.RejectReason = domainErr.Error()
	}

	// Step 7: Post-checks
	if domainErr == nil {
		if err := e.sys.CheckInvariants(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", commandType, err))
		}
		out.Status = e.systemStatus(ctx, seq)
		out.Status.StateHash = stateHash
	}

	// Step 8: Emit
	e.emit(out)

	// Step 9: Mark as processed
	e.idempotency.MarkProcessed(commandType, idempotencyKey)
	e.sequence++

	e.record(commandType, out, start)
	return &out, nil
}

// emit sends to persistence with a blocking send (backpressure) and to
// projections with a non-blocking send; projections rebuild from the log.
func (e *Engine) emit(out CoreOutput) {
	if e.replaying {
		if e.replayObserver != nil {
			e.replayObserver(out)
		}
		return
	}
	if e.persistChan != nil {
		e.persistChan <- out
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

func isPriceCommand(cmd event.Command) bool {
	switch cmd.(type) {
	case *event.PrimaryRound, *event.SecondaryValue:
		return true
	}
	return false
}

func (e *Engine) dispatch(ctx context.Context, cmd event.Command) error {
	switch c := cmd.(type) {
	case *event.OpenTrove:
		colls, err := basketOf(c.Colls)
		if err != nil {
			return err
		}
		_, err = e.sys.Borrower.OpenTrove(ctx, borrower.OpenRequest{
			Owner:      c.Owner,
			Colls:      colls,
			DebtAmount: orZero(c.DebtAmount),
			MaxFee:     c.MaxFee,
			UpperHint:  c.UpperHint,
			LowerHint:  c.LowerHint,
		})
		return err

	case *event.AdjustTrove:
		collsIn, err := basketOf(c.CollsIn)
		if err != nil {
			return err
		}
		collsOut, err := basketOf(c.CollsOut)
		if err != nil {
			return err
		}
		_, err = e.sys.Borrower.AdjustTrove(ctx, borrower.AdjustRequest{
			Owner:          c.Owner,
			CollsIn:        collsIn,
			CollsOut:       collsOut,
			DebtChange:     c.DebtChange,
			IsDebtIncrease: c.IsDebtIncrease,
			MaxFee:         c.MaxFee,
			UpperHint:      c.UpperHint,
			LowerHint:      c.LowerHint,
		})
		return err

	case *event.CloseTrove:
		_, err := e.sys.Borrower.CloseTrove(ctx, c.Owner)
		return err

	case *event.ClaimCollateral:
		_, err := e.sys.Borrower.ClaimCollateral(c.Owner)
		return err

	case *event.Liquidate:
		_, err := e.sys.Troves.Liquidate(ctx, c.Liquidator, c.Owner)
		return err

	case *event.LiquidateTroves:
		_, err := e.sys.Troves.LiquidateTroves(ctx, c.Liquidator, c.Count)
		return err

	case *event.BatchLiquidateTroves:
		_, err := e.sys.Troves.BatchLiquidateTroves(ctx, c.Liquidator, c.Owners)
		return err

	case *event.RedeemCollateral:
		_, err := e.sys.Troves.RedeemCollateral(ctx, trove.RedemptionRequest{
			Redeemer:      c.Redeemer,
			Amount:        orZero(c.Amount),
			FirstHint:     c.FirstHint,
			UpperHint:     c.UpperHint,
			LowerHint:     c.LowerHint,
			MaxIterations: c.MaxIterations,
			MaxFee:        c.MaxFee,
		})
		return err

	case *event.UpdateTroves:
		return e.sys.Troves.UpdateTroves(ctx, c.Owners)

	case *event.ProvideToSP:
		_, err := e.sys.ProvideToSP(c.Owner, orZero(c.Amount))
		return err

	case *event.WithdrawFromSP:
		_, _, err := e.sys.WithdrawFromSP(ctx, c.Owner, c.Amount)
		return err

	case *event.MintCollateral:
		return e.sys.MintCollateral(c.Token, c.To, c.Amount)

	case *event.Transfer:
		return e.sys.Transfer(c.From, c.To, c.Amount)

	case *event.PrimaryRound:
		feeds, err := e.feeds(c.Token)
		if err != nil {
			return err
		}
		if c.Answer == nil {
			return ErrInvalidReading
		}
		err = feeds.Primary.Push(oracle.PrimaryRound{
			RoundID:   c.RoundID,
			Answer:    c.Answer,
			UpdatedAt: c.UpdatedAt,
			Decimals:  c.Decimals,
		})
		if err != nil {
			return err
		}
		e.refreshPrices(ctx)
		return nil

	case *event.SecondaryValue:
		feeds, err := e.feeds(c.Token)
		if err != nil {
			return err
		}
		if c.Value == nil {
			return ErrInvalidReading
		}
		feeds.Secondary.Set(oracle.SecondaryReading{
			Value:     c.Value,
			Timestamp: c.ReadingTime,
			Decimals:  c.Decimals,
		})
		e.refreshPrices(ctx)
		return nil

	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

func (e *Engine) feeds(token common.Address) (*system.Feeds, error) {
	feeds, ok := e.sys.Feeds(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, token.Hex())
	}
	return feeds, nil
}

// refreshPrices commits every aggregator against the new reading so status
// transitions are recorded at the command that caused them.
func (e *Engine) refreshPrices(ctx context.Context) {
	e.sys.Troves.CommitPrices(e.sys.Troves.Prices(ctx))
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func basketOf(entries []collateral.Entry) (collateral.Basket, error) {
	tokens := make([]common.Address, len(entries))
	amounts := make([]*uint256.Int, len(entries))
	for i, en := range entries {
		tokens[i] = en.Token
		amounts[i] = en.Amount
	}
	return collateral.NewBasket(tokens, amounts)
}

// computeStateDigest covers every account the batch moved, every trove the
// command touched and the fee state, in a canonical order.
func (e *Engine) computeStateDigest(batch *ledger.Batch, outbox trove.Outbox) []byte {
	seen := make(map[ledger.AccountKey]struct{})
	var keys []ledger.AccountKey
	for _, j := range batch.Journals {
		for _, k := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})

	buf := make([]byte, 0, len(keys)*96)
	tracker := e.sys.Book.Tracker()
	for _, k := range keys {
		path := k.AccountPath()
		buf = appendInt64LE(buf, int64(len(path)))
		buf = append(buf, path...)
		buf = appendWord(buf, tracker.GetBalance(k))
	}

	owners := make([]common.Address, len(outbox.Touched))
	copy(owners, outbox.Touched)
	sort.Slice(owners, func(i, j int) bool {
		return owners[i].Hex() < owners[j].Hex()
	})
	for _, owner := range owners {
		t, _ := e.sys.Troves.Trove(owner)
		buf = append(buf, owner.Bytes()...)
		buf = append(buf, byte(t.Status))
		buf = appendWord(buf, t.Debt)
		for _, en := range t.Colls.Entries() {
			buf = append(buf, en.Token.Bytes()...)
			buf = appendWord(buf, en.Amount)
		}
	}

	fees := e.sys.Troves.Fees()
	buf = appendWord(buf, fees.BaseRate())
	buf = appendInt64LE(buf, fees.LastFeeOperationTime())
	return buf
}

func appendWord(buf []byte, v *uint256.Int) []byte {
	if v == nil {
		v = new(uint256.Int)
	}
	word := v.Bytes32()
	return append(buf, word[:]...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (e *Engine) countRejected(commandType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(commandType, reason).Inc()
	}
}

func (e *Engine) countSequenceError(err error) {
	var seqErr *ErrSequence
	if e.metrics == nil || !errors.As(err, &seqErr) {
		return
	}
	if seqErr.Got > seqErr.Expected {
		e.metrics.EventSequenceGap.WithLabelValues(seqErr.Partition).Inc()
	} else {
		e.metrics.EventOutOfOrder.WithLabelValues(seqErr.Partition).Inc()
	}
}

func (e *Engine) record(commandType string, out CoreOutput, start time.Time) {
	if out.Err != nil {
		e.logger.Warn().
			Int64("sequence", out.Envelope.Sequence).
			Str("command_type", commandType).
			Str("request_id", out.Envelope.IdempotencyKey).
			Err(out.Err).
			Msg("command rejected")
		e.countRejected(commandType, "validation")
	} else {
		e.logger.Debug().
			Int64("sequence", out.Envelope.Sequence).
			Str("command_type", commandType).
			Int("journals", len(out.Batch.Journals)).
			Int("events", len(out.Events)).
			Msg("command applied")
	}

	if e.metrics == nil {
		return
	}
	if out.Err == nil {
		e.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		for _, j := range out.Batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		e.updateGauges(out)
	}
	e.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
	e.metrics.CoreSequence.Set(float64(out.Envelope.Sequence))
	e.metrics.DedupLRUSize.Set(float64(e.idempotency.Size()))
}

// --- accessors ---

// System exposes the protocol instance for read paths.
func (e *Engine) System() *system.System {
	return e.sys
}

// GetSequence returns the last assigned sequence, 0 before the first command.
func (e *Engine) GetSequence() int64 {
	return e.sequence - 1
}

func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// WarmLRU preloads recently processed composite keys.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.Warm(keys)
}

// ExpectedSequence is the next source sequence accepted on partition. Call
// only while the core loop is not running.
func (e *Engine) ExpectedSequence(partition string) int64 {
	return e.sequenceValidator.GetExpectedSequence(partition)
}
