package event

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PrimaryRound is one round of the round-based price source of Token
type PrimaryRound struct {
	Token     common.Address
	RoundID   uint64   // Monotonic per token
	Answer    *big.Int // Signed, in Decimals
	Decimals  uint8
	UpdatedAt int64 // Epoch seconds reported by the source
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (p *PrimaryRound) IdempotencyKey() string {
	return fmt.Sprintf("%s:primary:%d", p.Token.Hex(), p.RoundID)
}

func (p *PrimaryRound) CommandType() CommandType {
	return CommandTypePrimaryRound
}

func (p *PrimaryRound) Partition() string {
	return fmt.Sprintf("%s:primary", p.Token.Hex())
}

func (p *PrimaryRound) SourceSequence() int64 {
	return int64(p.RoundID)
}

func (p *PrimaryRound) Time() time.Time {
	return time.UnixMicro(p.Timestamp)
}

// SecondaryValue is one reading of the value-based price source of Token
type SecondaryValue struct {
	Token       common.Address
	Sequence    int64 // Monotonic per token
	Value       *uint256.Int
	Decimals    uint8
	ReadingTime int64 // Epoch seconds reported by the source
	Timestamp   int64 // Epoch microseconds (versioned input)
}

func (s *SecondaryValue) IdempotencyKey() string {
	return fmt.Sprintf("%s:secondary:%d", s.Token.Hex(), s.Sequence)
}

func (s *SecondaryValue) CommandType() CommandType {
	return CommandTypeSecondaryValue
}

func (s *SecondaryValue) Partition() string {
	return fmt.Sprintf("%s:secondary", s.Token.Hex())
}

func (s *SecondaryValue) SourceSequence() int64 {
	return s.Sequence
}

func (s *SecondaryValue) Time() time.Time {
	return time.UnixMicro(s.Timestamp)
}
