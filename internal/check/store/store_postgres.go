package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"backcheck/internal/check"
	"backcheck/pkg/platform/sentinel"
	"backcheck/pkg/platform/tx"
)

// Schema creates the tables used by PostgresStore.
//
//go:embed schema.sql
var Schema string

const pgUniqueViolation = "23505"

// PostgresStore persists checks in PostgreSQL. Writes join a transaction
// carried in the context when one is present.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

type PostgresOption func(*PostgresStore)

func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) Create(ctx context.Context, c *check.Check) error {
	return tx.Run(ctx, s.db, func(ctx context.Context, q tx.Querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO checks (id, check_type, status, candidate_ref, organization_ref,
				created_at, updated_at, expires_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, string(c.Type), string(c.Status), c.CandidateRef, c.OrganizationRef,
			c.CreatedAt, c.UpdatedAt, c.ExpiresAt, c.Version,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("check %s: %w", c.ID, sentinel.ErrDuplicate)
			}
			return fmt.Errorf("insert check: %w", err)
		}
		for _, kind := range c.Kinds() {
			if err := upsertComponent(ctx, q, c.ID, c.Components[kind]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get reads the check row and its components in one snapshot so a
// concurrent Persist cannot produce a mixed-version aggregate.
func (s *PostgresStore) Get(ctx context.Context, checkID string) (*check.Check, error) {
	var out *check.Check
	err := tx.RunWith(ctx, s.db, tx.Snapshot, func(ctx context.Context, q tx.Querier) error {
		c, err := getCheck(ctx, q, checkID)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getCheck(ctx context.Context, q tx.Querier, checkID string) (*check.Check, error) {
	var (
		c                 check.Check
		checkType, status string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, check_type, status, candidate_ref, organization_ref,
			created_at, updated_at, expires_at, version
		FROM checks WHERE id = $1`, checkID,
	).Scan(&c.ID, &checkType, &status, &c.CandidateRef, &c.OrganizationRef,
		&c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check %s: %w", checkID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select check: %w", err)
	}
	if c.Type, err = check.ParseCheckType(checkType); err != nil {
		return nil, fmt.Errorf("check %s: %w", checkID, err)
	}
	if c.Status, err = check.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("check %s: %w", checkID, err)
	}

	components, err := selectComponents(ctx, q, checkID)
	if err != nil {
		return nil, err
	}
	c.Components = components
	return &c, nil
}

// Persist performs the conditional update. A missing row is reported as
// sentinel.ErrNotFound and a version mismatch as sentinel.ErrConflict.
func (s *PostgresStore) Persist(ctx context.Context, req PersistRequest) (int64, error) {
	var newVersion int64
	err := tx.Run(ctx, s.db, func(ctx context.Context, q tx.Querier) error {
		err := q.QueryRowContext(ctx, `
			UPDATE checks SET status = $1, updated_at = $2, version = version + 1
			WHERE id = $3 AND version = $4
			RETURNING version`,
			string(req.Status), req.UpdatedAt, req.CheckID, req.ExpectedVersion,
		).Scan(&newVersion)
		if errors.Is(err, sql.ErrNoRows) {
			return classifyMissedUpdate(ctx, q, req)
		}
		if err != nil {
			return fmt.Errorf("update check: %w", err)
		}
		if req.Component != nil {
			return upsertComponent(ctx, q, req.CheckID, *req.Component)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func classifyMissedUpdate(ctx context.Context, q tx.Querier, req PersistRequest) error {
	var current int64
	err := q.QueryRowContext(ctx, `SELECT version FROM checks WHERE id = $1`, req.CheckID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check %s: %w", req.CheckID, sentinel.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select check version: %w", err)
	}
	return fmt.Errorf("check %s at version %d, expected %d: %w",
		req.CheckID, current, req.ExpectedVersion, sentinel.ErrConflict)
}

func upsertComponent(ctx context.Context, q tx.Querier, checkID string, comp check.Component) error {
	refs := comp.DocumentRefs
	if refs == nil {
		refs = []string{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("encode document refs: %w", err)
	}
	var resultJSON any
	if comp.Result != nil {
		raw, err := json.Marshal(comp.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		resultJSON = raw
	}
	startedAt := sql.NullTime{Time: comp.StartedAt, Valid: !comp.StartedAt.IsZero()}
	var completedAt sql.NullTime
	if comp.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *comp.CompletedAt, Valid: true}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO check_components (check_id, kind, status, priority, document_refs,
			result, attempt, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (check_id, kind) DO UPDATE SET
			status = EXCLUDED.status,
			document_refs = EXCLUDED.document_refs,
			result = EXCLUDED.result,
			attempt = EXCLUDED.attempt,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		checkID, string(comp.Kind), string(comp.Status), comp.Priority, refsJSON,
		resultJSON, comp.Attempt, startedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert component %s: %w", comp.Kind, err)
	}
	return nil
}

func selectComponents(ctx context.Context, q tx.Querier, checkID string) (map[check.ComponentKind]check.Component, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT kind, status, priority, document_refs, result, attempt, started_at, completed_at
		FROM check_components WHERE check_id = $1
		ORDER BY priority DESC`, checkID)
	if err != nil {
		return nil, fmt.Errorf("select components: %w", err)
	}
	defer rows.Close()

	components := make(map[check.ComponentKind]check.Component)
	for rows.Next() {
		var (
			comp                   check.Component
			kind, status           string
			refsJSON, resultJSON   []byte
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&kind, &status, &comp.Priority, &refsJSON, &resultJSON,
			&comp.Attempt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		if comp.Kind, err = check.ParseComponentKind(kind); err != nil {
			return nil, fmt.Errorf("check %s: %w", checkID, err)
		}
		if comp.Status, err = check.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("check %s component %s: %w", checkID, kind, err)
		}
		if len(refsJSON) > 0 {
			if err := json.Unmarshal(refsJSON, &comp.DocumentRefs); err != nil {
				return nil, fmt.Errorf("decode document refs: %w", err)
			}
			if len(comp.DocumentRefs) == 0 {
				comp.DocumentRefs = nil
			}
		}
		if len(resultJSON) > 0 {
			var r check.Result
			if err := json.Unmarshal(resultJSON, &r); err != nil {
				return nil, fmt.Errorf("decode result: %w", err)
			}
			comp.Result = &r
		}
		if startedAt.Valid {
			comp.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			t := completedAt.Time
			comp.CompletedAt = &t
		}
		components[comp.Kind] = comp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate components: %w", err)
	}
	return components, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, checkID string, kind check.ComponentKind, reason string) error {
	_, err := tx.Use(ctx, s.db).ExecContext(ctx, `
		INSERT INTO check_failures (id, check_id, kind, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), checkID, string(kind), reason, s.now(),
	)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// Failures returns failures for checkID, or all failures when checkID is empty,
// most recent first.
func (s *PostgresStore) Failures(ctx context.Context, checkID string, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.Use(ctx, s.db).QueryContext(ctx, `
		SELECT id, check_id, kind, reason, recorded_at
		FROM check_failures
		WHERE ($1 = '' OR check_id = $1)
		ORDER BY recorded_at DESC
		LIMIT $2`, checkID, limit)
	if err != nil {
		return nil, fmt.Errorf("select failures: %w", err)
	}
	defer rows.Close()

	out := make([]Failure, 0)
	for rows.Next() {
		var (
			f    Failure
			kind string
		)
		if err := rows.Scan(&f.ID, &f.CheckID, &kind, &f.Reason, &f.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Kind = check.ComponentKind(kind)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ExpiredCheckIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.Use(ctx, s.db).QueryContext(ctx, `
		SELECT id FROM checks
		WHERE expires_at <= $1 AND status NOT IN ('COMPLETED', 'REJECTED', 'CANCELLED')
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired checks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired check: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
