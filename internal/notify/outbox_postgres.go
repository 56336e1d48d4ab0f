package notify

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"backcheck/pkg/platform/sentinel"
	"backcheck/pkg/platform/tx"
)

// OutboxSchema creates the table used by PostgresOutbox.
//
//go:embed schema.sql
var OutboxSchema string

const envelopeColumns = `id, recipient_ref, channel, correlation_id, payload, attempt, priority,
	dedupe_key, coalesced_keys, state, created_at, not_before, last_error`

// PostgresOutbox is the durable outbox. Claims use FOR UPDATE SKIP LOCKED so
// several dispatchers can drain the same table.
type PostgresOutbox struct {
	db *sql.DB
}

func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

func (o *PostgresOutbox) Append(ctx context.Context, env Envelope) error {
	coalesced, err := encodeKeys(env.CoalescedKeys)
	if err != nil {
		return err
	}
	_, err = tx.Use(ctx, o.db).ExecContext(ctx, `
		INSERT INTO notification_outbox (id, recipient_ref, channel, correlation_id, payload,
			attempt, priority, dedupe_key, coalesced_keys, state, created_at, not_before)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		env.ID, env.RecipientRef, string(env.Channel), env.CorrelationID, []byte(env.Payload),
		env.Attempt, env.Priority, nullString(env.DedupeKey), coalesced, string(StatePending),
		env.CreatedAt, env.NotBefore,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("envelope %s: %w", env.ID, sentinel.ErrDuplicate)
		}
		return fmt.Errorf("insert envelope: %w", err)
	}
	return nil
}

func (o *PostgresOutbox) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.Use(ctx, o.db).QueryContext(ctx, `
		UPDATE notification_outbox SET state = 'IN_FLIGHT', claimed_at = $1
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE state = 'PENDING' AND not_before <= $1
			ORDER BY priority DESC, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+envelopeColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim envelopes: %w", err)
	}
	defer rows.Close()

	out, err := scanEnvelopes(rows)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b Envelope) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (o *PostgresOutbox) Release(ctx context.Context, env Envelope) error {
	coalesced, err := encodeKeys(env.CoalescedKeys)
	if err != nil {
		return err
	}
	return o.settle(ctx, env.ID, `
		UPDATE notification_outbox
		SET state = 'PENDING', attempt = $2, not_before = $3, last_error = $4,
			priority = $5, payload = $6, coalesced_keys = $7, claimed_at = NULL
		WHERE id = $1 AND state = 'IN_FLIGHT'`,
		env.ID, env.Attempt, env.NotBefore, nullString(env.LastError),
		env.Priority, []byte(env.Payload), coalesced,
	)
}

func (o *PostgresOutbox) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return o.settle(ctx, id, `
		UPDATE notification_outbox SET state = 'DELIVERED', settled_at = $2
		WHERE id = $1 AND state = 'IN_FLIGHT'`, id, at)
}

func (o *PostgresOutbox) MarkCoalesced(ctx context.Context, id, into string) error {
	return o.settle(ctx, id, `
		UPDATE notification_outbox SET state = 'COALESCED', coalesced_into = $2, settled_at = now()
		WHERE id = $1 AND state = 'IN_FLIGHT'`, id, into)
}

func (o *PostgresOutbox) MarkDead(ctx context.Context, env Envelope, reason string) error {
	return o.settle(ctx, env.ID, `
		UPDATE notification_outbox
		SET state = 'DEAD', attempt = $2, last_error = $3, settled_at = now()
		WHERE id = $1 AND state = 'IN_FLIGHT'`, env.ID, env.Attempt, reason)
}

func (o *PostgresOutbox) DeadLetters(ctx context.Context, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.Use(ctx, o.db).QueryContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM notification_outbox
		WHERE state = 'DEAD'
		ORDER BY settled_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select dead letters: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (o *PostgresOutbox) Pending(ctx context.Context) (int, error) {
	var n int
	err := tx.Use(ctx, o.db).QueryRowContext(ctx,
		`SELECT count(*) FROM notification_outbox WHERE state IN ('PENDING', 'IN_FLIGHT')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending envelopes: %w", err)
	}
	return n, nil
}

// ReleaseStale returns envelopes claimed before cutoff to pending. Claims
// left behind by a crashed dispatcher are recovered this way.
func (o *PostgresOutbox) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := tx.Use(ctx, o.db).ExecContext(ctx, `
		UPDATE notification_outbox SET state = 'PENDING', claimed_at = NULL
		WHERE state = 'IN_FLIGHT' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale envelopes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release stale envelopes: %w", err)
	}
	return int(n), nil
}

func (o *PostgresOutbox) settle(ctx context.Context, id, query string, args ...any) error {
	res, err := tx.Use(ctx, o.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update envelope %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update envelope %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("envelope %s: %w", id, ErrNotInFlight)
	}
	return nil
}

func scanEnvelopes(rows *sql.Rows) ([]Envelope, error) {
	out := make([]Envelope, 0)
	for rows.Next() {
		var (
			env                  Envelope
			channel, state       string
			payload, coalesced   []byte
			dedupeKey, lastError sql.NullString
		)
		if err := rows.Scan(&env.ID, &env.RecipientRef, &channel, &env.CorrelationID, &payload,
			&env.Attempt, &env.Priority, &dedupeKey, &coalesced, &state,
			&env.CreatedAt, &env.NotBefore, &lastError); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		env.Channel = Channel(channel)
		env.State = State(state)
		env.Payload = json.RawMessage(payload)
		env.DedupeKey = dedupeKey.String
		env.LastError = lastError.String
		if len(coalesced) > 0 {
			if err := json.Unmarshal(coalesced, &env.CoalescedKeys); err != nil {
				return nil, fmt.Errorf("decode coalesced keys: %w", err)
			}
			if len(env.CoalescedKeys) == 0 {
				env.CoalescedKeys = nil
			}
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	return out, nil
}

func encodeKeys(keys []string) ([]byte, error) {
	if keys == nil {
		keys = []string{}
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("encode coalesced keys: %w", err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
