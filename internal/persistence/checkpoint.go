package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ingestion"

	"github.com/google/uuid"
)

// CheckpointStore saves hash-chain checkpoints and reads the command log
// back for replay.
type CheckpointStore struct {
	db    *sql.DB
	codec *ingestion.Codec
}

func NewCheckpointStore(db *sql.DB, codec *ingestion.Codec) *CheckpointStore {
	return &CheckpointStore{db: db, codec: codec}
}

// Save persists cp. Saving the same sequence twice overwrites the summary.
func (cs *CheckpointStore) Save(ctx context.Context, cp core.Checkpoint) error {
	summary, err := json.Marshal(cp.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	_, err = cs.db.ExecContext(ctx, `
		INSERT INTO event_log.checkpoints
			(checkpoint_id, sequence, state_hash, summary, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO UPDATE SET state_hash = $3, summary = $4
	`, uuid.New(), cp.Sequence, cp.StateHash[:], string(summary), time.Now().UTC())
	return err
}

// LoadLatest returns the newest checkpoint, nil on a fresh database.
func (cs *CheckpointStore) LoadLatest(ctx context.Context) (*core.Checkpoint, error) {
	row := cs.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, summary FROM event_log.checkpoints
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		cp      core.Checkpoint
		hash    []byte
		summary []byte
	)
	if err := row.Scan(&cp.Sequence, &hash, &summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if len(hash) != len(cp.StateHash) {
		return nil, fmt.Errorf("checkpoint %d: state hash has %d bytes", cp.Sequence, len(hash))
	}
	copy(cp.StateHash[:], hash)
	if err := json.Unmarshal(summary, &cp.Summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return &cp, nil
}

// LoadCommandsFrom loads up to limit command rows starting at fromSequence.
func (cs *CheckpointStore) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := cs.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, partition_key, source_sequence,
		       payload, reject_reason, state_hash, prev_hash, timestamp
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.CommandType, &c.IdempotencyKey, &c.Partition, &c.SourceSequence,
			&c.Payload, &c.RejectReason, &c.StateHash, &c.PrevHash, &c.Timestamp,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// LoadLog decodes the whole command log in pages of pageSize.
func (cs *CheckpointStore) LoadLog(ctx context.Context, pageSize int) ([]core.LoggedCommand, error) {
	var out []core.LoggedCommand
	next := int64(1)
	for {
		page, err := cs.LoadCommandsFrom(ctx, next, pageSize)
		if err != nil {
			return nil, fmt.Errorf("load commands from %d: %w", next, err)
		}
		for _, row := range page {
			lc, err := cs.decode(row)
			if err != nil {
				return nil, err
			}
			out = append(out, lc)
		}
		if len(page) < pageSize {
			return out, nil
		}
		next = page[len(page)-1].Sequence + 1
	}
}

func (cs *CheckpointStore) decode(row CommandRow) (core.LoggedCommand, error) {
	ct, ok := event.ParseCommandType(row.CommandType)
	if !ok {
		return core.LoggedCommand{}, fmt.Errorf("sequence %d: unknown command type %q", row.Sequence, row.CommandType)
	}
	cmd, err := cs.codec.ParseCommand(ct, row.Payload)
	if err != nil {
		return core.LoggedCommand{}, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}
	lc := core.LoggedCommand{Sequence: row.Sequence, Command: cmd}
	if len(row.StateHash) != len(lc.StateHash) {
		return core.LoggedCommand{}, fmt.Errorf("sequence %d: state hash has %d bytes", row.Sequence, len(row.StateHash))
	}
	copy(lc.StateHash[:], row.StateHash)
	return lc, nil
}

// RecentIdempotencyKeys returns the composite dedup keys of the last n
// commands, oldest first, for warming the in-memory tier.
func (cs *CheckpointStore) RecentIdempotencyKeys(ctx context.Context, n int) ([]string, error) {
	rows, err := cs.db.QueryContext(ctx, `
		SELECT command_type || ':' || idempotency_key FROM (
			SELECT command_type, idempotency_key, sequence
			FROM event_log.commands
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log.
func (cs *CheckpointStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := cs.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty command log
	}
	return seq.Int64, nil
}
