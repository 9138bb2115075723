package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/ingestion"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CommandLogWriter writes recorded commands and their journals to Postgres
// using multi-row INSERT.
type CommandLogWriter struct {
	db    *sql.DB
	codec *ingestion.Codec
}

// CommandRow represents a row in event_log.commands
type CommandRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Partition      string
	SourceSequence int64
	Payload        []byte // JSON wire format, decodable by ingestion.Codec
	RejectReason   sql.NullString
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	CommandRef    string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // base units, NUMERIC(78,0)
	JournalType   string
	Timestamp     int64
}

func NewCommandLogWriter(db *sql.DB, codec *ingestion.Codec) *CommandLogWriter {
	return &CommandLogWriter{db: db, codec: codec}
}

// Rows converts one core output into its command row and journal rows.
func (w *CommandLogWriter) Rows(out core.CoreOutput) (CommandRow, []JournalRow, error) {
	env := out.Envelope
	payload, err := w.codec.EncodeCommand(out.Command)
	if err != nil {
		return CommandRow{}, nil, fmt.Errorf("encode sequence %d: %w", env.Sequence, err)
	}
	row := CommandRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		SourceSequence: env.SourceSequence,
		Payload:        payload,
		RejectReason:   sql.NullString{String: env.RejectReason, Valid: env.Rejected()},
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}

	var journals []JournalRow
	if out.Batch != nil {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				CommandRef:    j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         strings.ToLower(j.Asset.Hex()),
				Amount:        j.Amount.Dec(),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return row, journals, nil
}

// WriteCommandBatch writes a batch of commands to event_log.commands.
func (w *CommandLogWriter) WriteCommandBatch(ctx context.Context, commands []CommandRow, tx execer) error {
	if len(commands) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.commands
		(sequence, command_type, idempotency_key, partition_key, source_sequence, payload, reject_reason, state_hash, prev_hash, timestamp)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(commands))
	args := make([]any, 0, len(commands)*cols)

	for i, c := range commands {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			c.Sequence, c.CommandType, c.IdempotencyKey, c.Partition, c.SourceSequence,
			string(c.Payload), c.RejectReason, c.StateHash, c.PrevHash, c.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *CommandLogWriter) WriteJournalBatch(ctx context.Context, journals []JournalRow, tx execer) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, command_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.CommandRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+k)
	}
	sb.WriteByte(')')
	return sb.String()
}
