// Package usage keeps the append-only ledger of chat exchanges.
// All operations are append-only; no updates or deletes are supported.
package usage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/matiasleandrokruk/chatrelay/internal/infra/eventbus"
	"github.com/matiasleandrokruk/chatrelay/pkg/uuid"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500

	// timeLayout is fixed-width so stored timestamps sort lexicographically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Recorder writes and reads exchange_log rows.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a Recorder over a migrated ledger database.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Record inserts rec. An empty ID is filled with a time-ordered UUID.
func (r *Recorder) Record(ctx context.Context, rec *ExchangeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewV7().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exchange_log (
			id, completion_id, conversation_id, identity, model, provider, mode, outcome,
			error_code, prompt_tokens, completion_tokens, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		nullString(rec.CompletionID),
		rec.ConversationID,
		rec.Identity,
		rec.Model,
		rec.Provider,
		string(rec.Mode),
		string(rec.Outcome),
		nullString(rec.ErrorCode),
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.StartedAt.UTC().Format(timeLayout),
		rec.FinishedAt.UTC().Format(timeLayout),
	)
	return errors.Wrapf(err, "usage: insert exchange %s", rec.ID)
}

// List returns up to limit records, newest first.
func (r *Recorder) List(ctx context.Context, limit int) ([]ExchangeRecord, error) {
	limit = clampLimit(limit)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, completion_id, conversation_id, identity, model, provider, mode, outcome,
		       error_code, prompt_tokens, completion_tokens, started_at, finished_at
		FROM exchange_log
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "usage: list exchanges")
	}
	defer rows.Close() //nolint:errcheck

	out := make([]ExchangeRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "usage: list exchanges")
}

// Totals aggregates the ledger per outcome.
func (r *Recorder) Totals(ctx context.Context) (map[Outcome]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM exchange_log GROUP BY outcome`)
	if err != nil {
		return nil, errors.Wrap(err, "usage: totals")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if scanErr := rows.Scan(&outcome, &n); scanErr != nil {
			return nil, errors.Wrap(scanErr, "usage: totals scan")
		}
		out[Outcome(outcome)] = n
	}
	return out, errors.Wrap(rows.Err(), "usage: totals")
}

// Start subscribes to Topic and records every published ExchangeRecord until ctx is done
// or the bus closes the subscription. The returned channel is closed when the loop exits.
func (r *Recorder) Start(ctx context.Context, bus eventbus.EventBus) <-chan struct{} {
	events := bus.Subscribe(Topic)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				r.consume(ctx, evt)
			}
		}
	}()
	return done
}

func (r *Recorder) consume(ctx context.Context, evt eventbus.Event) {
	rec, ok := evt.Payload.(ExchangeRecord)
	if !ok {
		log.Warn().Str("component", "usage").Str("topic", evt.Topic).Msgf("unexpected payload %T", evt.Payload)
		return
	}
	if err := r.Record(ctx, &rec); err != nil {
		log.Error().Err(err).Str("component", "usage").Str("conv_id", rec.ConversationID).Msg("record exchange")
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ExchangeRecord, error) {
	var (
		rec                   ExchangeRecord
		completionID, errCode sql.NullString
		mode, outcome         string
		started, finished     string
	)
	if err := row.Scan(
		&rec.ID, &completionID, &rec.ConversationID, &rec.Identity, &rec.Model, &rec.Provider,
		&mode, &outcome, &errCode, &rec.PromptTokens, &rec.CompletionTokens, &started, &finished,
	); err != nil {
		return ExchangeRecord{}, errors.Wrap(err, "usage: scan exchange")
	}
	rec.CompletionID = completionID.String
	rec.ErrorCode = errCode.String
	rec.Mode = Mode(mode)
	rec.Outcome = Outcome(outcome)

	var err error
	if rec.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return ExchangeRecord{}, errors.Wrapf(err, "usage: parse started_at of %s", rec.ID)
	}
	if rec.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return ExchangeRecord{}, errors.Wrapf(err, "usage: parse finished_at of %s", rec.ID)
	}
	return rec, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
