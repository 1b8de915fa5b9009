package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"LeverLedger/internal/core"
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Actor          string
	Payload        []byte // JSON-encoded command, decoded again on replay
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

// RecordRow represents a row in event_log.records. Index keeps the emission
// order of records within one command.
type RecordRow struct {
	Sequence   int64
	Index      int
	RecordType string
	Payload    []byte
}

// Rows is everything one committed command writes.
type Rows struct {
	Event    EventRow
	Journals []JournalRow
	Records  []RecordRow
}

// RowsFromOutput flattens a core output into table rows.
func RowsFromOutput(out core.Output) (Rows, error) {
	env := out.Envelope
	if env == nil {
		return Rows{}, fmt.Errorf("output has no envelope")
	}

	rows := Rows{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Actor:          env.Actor.String(),
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp.UTC(),
		},
	}

	if out.Batch != nil {
		rows.Journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset,
				Amount:        j.Amount,
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}

	rows.Records = make([]RecordRow, 0, len(out.Records))
	for i, r := range out.Records {
		payload, err := json.Marshal(r)
		if err != nil {
			return Rows{}, fmt.Errorf("marshal %s record: %w", r.RecordType(), err)
		}
		rows.Records = append(rows.Records, RecordRow{
			Sequence:   env.Sequence,
			Index:      i,
			RecordType: r.RecordType(),
			Payload:    payload,
		})
	}

	return rows, nil
}

// EventLogWriter writes events, journals and records using multi-row INSERT.
// Every statement is idempotent so a retried batch never duplicates rows.
type EventLogWriter struct{}

func NewEventLogWriter() *EventLogWriter {
	return &EventLogWriter{}
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, db dbtx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 8
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, actor, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Actor,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, db dbtx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteRecordBatch writes observability records to event_log.records.
func (w *EventLogWriter) WriteRecordBatch(ctx context.Context, db dbtx, records []RecordRow) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 4
	query := `INSERT INTO event_log.records (sequence, idx, record_type, payload) VALUES `

	values := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		values = append(values, placeholders(i*cols, cols))
		args = append(args, r.Sequence, r.Index, r.RecordType, r.Payload)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, idx) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
