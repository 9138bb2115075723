package ingestion

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"TroveLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrNonPositive = errors.New("amount must be positive")

// AdminIngestService provides operator command injection. It is for price
// overrides and collateral mints, not high-throughput ingestion (use NATS
// for that).
type AdminIngestService struct {
	cmdChan chan<- event.Command
	now     func() time.Time

	mu       sync.Mutex
	adminSeq int64
}

// NewAdminIngestService starts the admin sequence at nextSeq, normally the
// engine's expected sequence on event.AdminPartition after replay.
func NewAdminIngestService(cmdChan chan<- event.Command, nextSeq int64) *AdminIngestService {
	return &AdminIngestService{cmdChan: cmdChan, now: time.Now, adminSeq: nextSeq}
}

func (s *AdminIngestService) nextMeta() event.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := event.Meta{
		RequestID: uuid.New(),
		Sequence:  s.adminSeq,
		Timestamp: s.now().UnixMicro(),
	}
	s.adminSeq++
	return m
}

// InjectMint credits amount of token to the wallet to.
func (s *AdminIngestService) InjectMint(ctx context.Context, token, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrNonPositive
	}
	return s.send(ctx, &event.MintCollateral{
		Meta:   s.nextMeta(),
		Token:  token,
		To:     to,
		Amount: amount,
	})
}

// InjectPrimaryRound pushes one round of the primary source of token.
func (s *AdminIngestService) InjectPrimaryRound(ctx context.Context, token common.Address, roundID uint64, answer *big.Int, decimals uint8) error {
	now := s.now()
	return s.send(ctx, &event.PrimaryRound{
		Token:     token,
		RoundID:   roundID,
		Answer:    answer,
		Decimals:  decimals,
		UpdatedAt: now.Unix(),
		Timestamp: now.UnixMicro(),
	})
}

// InjectSecondaryValue pushes one reading of the secondary source of token.
func (s *AdminIngestService) InjectSecondaryValue(ctx context.Context, token common.Address, seq int64, value *uint256.Int, decimals uint8) error {
	now := s.now()
	return s.send(ctx, &event.SecondaryValue{
		Token:       token,
		Sequence:    seq,
		Value:       value,
		Decimals:    decimals,
		ReadingTime: now.Unix(),
		Timestamp:   now.UnixMicro(),
	})
}

func (s *AdminIngestService) send(ctx context.Context, cmd event.Command) error {
	select {
	case s.cmdChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
