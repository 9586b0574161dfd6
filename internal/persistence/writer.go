package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PerpRisk/internal/event"
)

// maxRowsPerInsert keeps multi-row INSERTs under the Postgres limit of
// 65535 bind parameters.
const maxRowsPerInsert = 1000

// IntentLogWriter writes intents and their journals to Postgres using
// multi-row INSERTs. Writes are idempotent on sequence and journal id, so a
// batch retried after an ambiguous commit is harmless.
type IntentLogWriter struct{}

// IntentRow is a row in risk.intents.
type IntentRow struct {
	Sequence   int64
	Operation  string
	EventType  string
	RequestID  sql.NullString
	Requester  sql.NullString
	Market     sql.NullString
	Owner      sql.NullString
	Payload    []byte // JSON wire form of the intent
	StateHash  []byte
	PrevHash   []byte
	OccurredAt time.Time
}

// JournalRow is a row in risk.journals.
type JournalRow struct {
	JournalID     string
	BatchID       string
	Sequence      int64
	JournalType   string
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // NUMERIC, exact decimal
	Market        sql.NullString
	PositionID    sql.NullString
	OccurredAt    time.Time
}

func NewIntentLogWriter() *IntentLogWriter {
	return &IntentLogWriter{}
}

// Rows converts an envelope into its intent row and journal rows.
func Rows(env *event.EventEnvelope, names event.Names) (IntentRow, []JournalRow, error) {
	in, err := event.NewIntent(env, names)
	if err != nil {
		return IntentRow{}, nil, err
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return IntentRow{}, nil, fmt.Errorf("marshal intent %d: %w", in.Sequence, err)
	}

	row := IntentRow{
		Sequence:   int64(in.Sequence),
		Operation:  in.Operation,
		EventType:  in.EventType,
		RequestID:  nullString(in.RequestID),
		Requester:  nullString(in.Requester),
		Market:     nullString(in.Market),
		Owner:      nullString(in.Owner),
		Payload:    payload,
		StateHash:  env.StateHash[:],
		PrevHash:   env.PrevHash[:],
		OccurredAt: in.Timestamp,
	}

	journals := make([]JournalRow, 0, len(in.Journals))
	for _, j := range in.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID,
			BatchID:       in.BatchID,
			Sequence:      row.Sequence,
			JournalType:   j.Type,
			DebitAccount:  j.Debit,
			CreditAccount: j.Credit,
			Asset:         j.Asset,
			Amount:        j.Amount,
			Market:        nullString(j.Market),
			PositionID:    nullString(j.PositionID),
			OccurredAt:    in.Timestamp,
		})
	}
	return row, journals, nil
}

// WriteIntentBatch writes intents to risk.intents.
func (w *IntentLogWriter) WriteIntentBatch(ctx context.Context, tx *sql.Tx, intents []IntentRow) error {
	const cols = 11
	for start := 0; start < len(intents); start += maxRowsPerInsert {
		chunk := intents[start:min(start+maxRowsPerInsert, len(intents))]

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*cols)
		for i, r := range chunk {
			values = append(values, placeholders(i*cols, cols))
			args = append(args,
				r.Sequence, r.Operation, r.EventType, r.RequestID, r.Requester, r.Market,
				r.Owner, r.Payload, r.StateHash, r.PrevHash, r.OccurredAt,
			)
		}

		query := `INSERT INTO risk.intents
			(sequence, operation, event_type, request_id, requester, market, owner, payload, state_hash, prev_hash, occurred_at)
			VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (sequence) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert intents: %w", err)
		}
	}
	return nil
}

// WriteJournalBatch writes journal entries to risk.journals.
func (w *IntentLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	const cols = 11
	for start := 0; start < len(journals); start += maxRowsPerInsert {
		chunk := journals[start:min(start+maxRowsPerInsert, len(journals))]

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*cols)
		for i, j := range chunk {
			values = append(values, placeholders(i*cols, cols))
			args = append(args,
				j.JournalID, j.BatchID, j.Sequence, j.JournalType, j.DebitAccount,
				j.CreditAccount, j.Asset, j.Amount, j.Market, j.PositionID, j.OccurredAt,
			)
		}

		query := `INSERT INTO risk.journals
			(journal_id, batch_id, sequence, journal_type, debit_account, credit_account, asset, amount, market, position_id, occurred_at)
			VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (journal_id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert journals: %w", err)
		}
	}
	return nil
}

// placeholders returns "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ChainHead returns the last persisted sequence and its state hash. A fresh
// database returns zero values.
func ChainHead(ctx context.Context, db *sql.DB) (uint64, [32]byte, error) {
	var (
		seq  int64
		hash []byte
		tip  [32]byte
	)
	err := db.QueryRowContext(ctx,
		`SELECT sequence, state_hash FROM risk.intents ORDER BY sequence DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, tip, nil
	}
	if err != nil {
		return 0, tip, fmt.Errorf("load chain head: %w", err)
	}
	if len(hash) != len(tip) {
		return 0, tip, fmt.Errorf("chain head %d: state hash has %d bytes", seq, len(hash))
	}
	copy(tip[:], hash)
	return uint64(seq), tip, nil
}
