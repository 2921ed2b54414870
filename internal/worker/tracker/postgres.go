package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// DefaultPostgresTable holds one row per job id
const DefaultPostgresTable = "ocr_job_idempotency"

// PostgresTracker stores records in Postgres. The claim is a single
// INSERT ... ON CONFLICT DO UPDATE ... WHERE statement, so the row lock taken by
// the upsert is the only synchronization between workers.
type PostgresTracker struct {
	db     *sqlx.DB
	table  string
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresTracker creates a tracker on db
func NewPostgresTracker(db *sqlx.DB, table string, logger *slog.Logger) *PostgresTracker {
	if table == "" {
		table = DefaultPostgresTable
	}
	return &PostgresTracker{
		db:     db,
		table:  table,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureSchema creates the table when missing
func (p *PostgresTracker) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			job_id           TEXT PRIMARY KEY,
			state            TEXT NOT NULL,
			result_ref       TEXT NOT NULL DEFAULT '',
			owner            TEXT NOT NULL DEFAULT '',
			error_kind       TEXT NOT NULL DEFAULT '',
			error_message    TEXT NOT NULL DEFAULT '',
			started_at       TIMESTAMPTZ NOT NULL,
			finished_at      TIMESTAMPTZ,
			lease_expires_at TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS %[1]s_state_idx ON %[1]s (state);
	`, p.table)

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure %s schema: %w", p.table, err)
	}

	p.logger.Info("Idempotency table ready", slog.String("table", p.table))
	return nil
}

func (p *PostgresTracker) TryBegin(ctx context.Context, jobID string, opts BeginOptions) (BeginResult, error) {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (job_id, state, owner, started_at, lease_expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $4)
		ON CONFLICT (job_id) DO UPDATE
		SET state = EXCLUDED.state,
		    owner = EXCLUDED.owner,
		    started_at = EXCLUDED.started_at,
		    lease_expires_at = EXCLUDED.lease_expires_at,
		    finished_at = NULL,
		    error_kind = '',
		    error_message = '',
		    updated_at = EXCLUDED.updated_at
		WHERE %[1]s.state = $6
		   OR (%[1]s.state = $2 AND %[1]s.lease_expires_at <= $4)
		   OR (%[1]s.state = $7 AND $8::boolean)
		RETURNING job_id
	`, p.table)

	// The record can disappear between a lost claim and the read-back
	// (Release by the owner), so the pair is retried a few times.
	for i := 0; i < 3; i++ {
		now := p.now().UTC()

		var claimed string
		err := p.db.QueryRowContext(ctx, query,
			jobID, StateInProgress, opts.Owner, now, now.Add(opts.lease()),
			StateFailed, StateCompleted, opts.Force,
		).Scan(&claimed)
		if err == nil {
			p.logger.Debug("Job claimed",
				slog.String("job_id", jobID),
				slog.String("owner", opts.Owner),
			)
			return BeginResult{Outcome: Proceed}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return BeginResult{}, fmt.Errorf("%w: claim %s: %v", ErrUnavailable, jobID, err)
		}

		rec, err := p.Get(ctx, jobID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return BeginResult{}, err
		}

		res := decide(rec, opts.Force, now)
		if res.Outcome != Proceed {
			return res, nil
		}
	}

	return BeginResult{}, fmt.Errorf("%w: claim %s did not settle", ErrUnavailable, jobID)
}

func (p *PostgresTracker) Extend(ctx context.Context, jobID, owner string, lease time.Duration) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET lease_expires_at = $1, updated_at = NOW()
		WHERE job_id = $2 AND owner = $3 AND state = $4
	`, p.table)

	result, err := p.db.ExecContext(ctx, query, p.now().UTC().Add(lease), jobID, owner, StateInProgress)
	if err != nil {
		return fmt.Errorf("%w: extend %s: %v", ErrUnavailable, jobID, err)
	}
	return requireRow(result)
}

func (p *PostgresTracker) Complete(ctx context.Context, jobID, owner, resultRef string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET state = $1, result_ref = $2, finished_at = $3,
		    error_kind = '', error_message = '', updated_at = $3
		WHERE job_id = $4 AND owner = $5 AND state = $6
	`, p.table)

	result, err := p.db.ExecContext(ctx, query,
		StateCompleted, resultRef, p.now().UTC(), jobID, owner, StateInProgress,
	)
	if err != nil {
		return fmt.Errorf("%w: complete %s: %v", ErrUnavailable, jobID, err)
	}
	return requireRow(result)
}

func (p *PostgresTracker) Fail(ctx context.Context, jobID, owner string, kind domain.ErrorKind, message string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET state = $1, error_kind = $2, error_message = $3,
		    finished_at = $4, updated_at = $4
		WHERE job_id = $5 AND owner = $6 AND state = $7
	`, p.table)

	result, err := p.db.ExecContext(ctx, query,
		StateFailed, kind, message, p.now().UTC(), jobID, owner, StateInProgress,
	)
	if err != nil {
		return fmt.Errorf("%w: fail %s: %v", ErrUnavailable, jobID, err)
	}
	return requireRow(result)
}

func (p *PostgresTracker) Release(ctx context.Context, jobID, owner string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1 AND owner = $2 AND state = $3`, p.table)

	result, err := p.db.ExecContext(ctx, query, jobID, owner, StateInProgress)
	if err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrUnavailable, jobID, err)
	}
	return requireRow(result)
}

func (p *PostgresTracker) Get(ctx context.Context, jobID string) (*Record, error) {
	query := fmt.Sprintf(`
		SELECT job_id, state, result_ref, owner, error_kind, error_message,
		       started_at, finished_at, lease_expires_at
		FROM %s
		WHERE job_id = $1
	`, p.table)

	var rec Record
	if err := p.db.GetContext(ctx, &rec, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, jobID, err)
	}
	return &rec, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrUnavailable, err)
	}
	if rows == 0 {
		return ErrNotOwner
	}
	return nil
}
