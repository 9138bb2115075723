package event

import (
	"time"

	"github.com/google/uuid"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeOpenTrove
	CommandTypeAdjustTrove
	CommandTypeCloseTrove
	CommandTypeClaimCollateral
	CommandTypeLiquidate
	CommandTypeLiquidateTroves
	CommandTypeBatchLiquidateTroves
	CommandTypeRedeemCollateral
	CommandTypeUpdateTroves
	CommandTypeProvideToSP
	CommandTypeWithdrawFromSP
	CommandTypeMintCollateral
	CommandTypeTransfer
	CommandTypePrimaryRound
	CommandTypeSecondaryValue
)

// CommandPartition is the upstream stream of user commands. Price
// commands carry their own per-feed partitions.
const CommandPartition = "commands"

// AdminPartition orders operator-injected commands.
const AdminPartition = "admin"

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Upstream partition the source sequence belongs to
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command, replayed verbatim on recovery
	Payload []byte

	// Non-empty when the command failed validation and changed nothing
	RejectReason string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Rejected reports whether the command was recorded without effect.
func (e *EventEnvelope) Rejected() bool {
	return e.RejectReason != ""
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Partition returns the upstream ordering partition
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Time returns the versioned input timestamp
	Time() time.Time
}

// Meta is the routing header shared by user commands.
type Meta struct {
	RequestID uuid.UUID
	Sequence  int64 // Monotonic in CommandPartition
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (m Meta) IdempotencyKey() string {
	return m.RequestID.String()
}

func (m Meta) Partition() string {
	return CommandPartition
}

func (m Meta) SourceSequence() int64 {
	return m.Sequence
}

func (m Meta) Time() time.Time {
	return time.UnixMicro(m.Timestamp)
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeOpenTrove:
		return "OpenTrove"
	case CommandTypeAdjustTrove:
		return "AdjustTrove"
	case CommandTypeCloseTrove:
		return "CloseTrove"
	case CommandTypeClaimCollateral:
		return "ClaimCollateral"
	case CommandTypeLiquidate:
		return "Liquidate"
	case CommandTypeLiquidateTroves:
		return "LiquidateTroves"
	case CommandTypeBatchLiquidateTroves:
		return "BatchLiquidateTroves"
	case CommandTypeRedeemCollateral:
		return "RedeemCollateral"
	case CommandTypeUpdateTroves:
		return "UpdateTroves"
	case CommandTypeProvideToSP:
		return "ProvideToSP"
	case CommandTypeWithdrawFromSP:
		return "WithdrawFromSP"
	case CommandTypeMintCollateral:
		return "MintCollateral"
	case CommandTypeTransfer:
		return "Transfer"
	case CommandTypePrimaryRound:
		return "PrimaryRound"
	case CommandTypeSecondaryValue:
		return "SecondaryValue"
	default:
		return "Unknown"
	}
}

// ParseCommandType is the inverse of String.
func ParseCommandType(s string) (CommandType, bool) {
	for ct := CommandTypeOpenTrove; ct <= CommandTypeSecondaryValue; ct++ {
		if ct.String() == s {
			return ct, true
		}
	}
	return CommandTypeUnknown, false
}
