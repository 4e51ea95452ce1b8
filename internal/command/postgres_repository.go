package command

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
//
// Every transition is a single conditional UPDATE guarded by the expected
// prior status, so concurrent claims, acks and sweeps resolve to exactly one
// winner without application-level locking.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL command repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const commandColumns = `
	id, device_id, type, params, priority, status, requires_ack,
	expires_at, retry_of, result, error, created_at, claimed_at, completed_at
`

// Create persists a new command.
func (r *PostgresRepository) Create(ctx context.Context, cmd *Command) error {
	query := `
		INSERT INTO commands (id, device_id, type, params, priority, status, requires_ack,
			expires_at, retry_of, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var expiresAt *time.Time
	if !cmd.ExpiresAt.IsZero() {
		expiresAt = &cmd.ExpiresAt
	}
	var retryOf *string
	if cmd.RetryOf != "" {
		retryOf = &cmd.RetryOf
	}

	_, err := r.pool.Exec(ctx, query,
		cmd.ID,
		cmd.DeviceID,
		cmd.Type,
		cmd.Params,
		int(cmd.Priority),
		cmd.Status,
		cmd.RequiresAck,
		expiresAt,
		retryOf,
		cmd.CreatedAt,
	)
	return err
}

// Get retrieves a command by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return cmd, nil
}

// List retrieves commands matching the filter, newest first, paginated.
func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	where := ` WHERE ($1 = '' OR device_id = $1)
		AND ($2 = '' OR status = $2)
		AND ($3::int IS NULL OR priority = $3)`

	var priority *int
	if filter.Priority != nil {
		p := int(*filter.Priority)
		priority = &p
	}

	var total int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM commands`+where,
		filter.DeviceID, string(filter.Status), priority).Scan(&total)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + commandColumns + ` FROM commands` + where + `
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := r.pool.Query(ctx, query,
		filter.DeviceID, string(filter.Status), priority, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}

	return &ListResult{Items: items, Total: total}, nil
}

// ClaimPending atomically claims up to limit pending commands for a device.
// The subselect locks candidate rows with SKIP LOCKED and the UPDATE
// re-checks status = 'pending', so a row already claimed by a concurrent
// poll is never handed out twice.
func (r *PostgresRepository) ClaimPending(ctx context.Context, deviceID string, limit int, now time.Time) ([]*Command, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		UPDATE commands SET status = 'in_progress', claimed_at = $3
		WHERE id IN (
			SELECT id FROM commands
			WHERE device_id = $1 AND status = 'pending'
			ORDER BY priority DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'pending'
		RETURNING ` + commandColumns

	rows, err := r.pool.Query(ctx, query, deviceID, limit, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subselect ordering.
	sortByDispatchOrder(claimed)
	return claimed, nil
}

// Complete transitions an in_progress command to a terminal status.
func (r *PostgresRepository) Complete(ctx context.Context, id string, status Status, result, errMsg *string, now time.Time) (bool, error) {
	query := `
		UPDATE commands SET status = $2, result = $3, error = $4, completed_at = $5
		WHERE id = $1 AND status = 'in_progress'
	`

	tag, err := r.pool.Exec(ctx, query, id, status, result, errMsg, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CancelPending transitions a pending command to cancelled.
func (r *PostgresRepository) CancelPending(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE commands SET status = 'cancelled', completed_at = $2
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireOverdue transitions overdue in-flight commands to timed_out.
func (r *PostgresRepository) ExpireOverdue(ctx context.Context, now time.Time) ([]*Command, error) {
	query := `
		UPDATE commands SET status = 'timed_out', completed_at = $1
		WHERE status IN ('pending', 'in_progress')
			AND expires_at IS NOT NULL
			AND expires_at < $1
		RETURNING ` + commandColumns

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCommands(rows)
}

func scanCommand(row pgx.Row) (*Command, error) {
	var cmd Command
	var priority int
	var expiresAt *time.Time
	var retryOf *string

	err := row.Scan(
		&cmd.ID,
		&cmd.DeviceID,
		&cmd.Type,
		&cmd.Params,
		&priority,
		&cmd.Status,
		&cmd.RequiresAck,
		&expiresAt,
		&retryOf,
		&cmd.Result,
		&cmd.Error,
		&cmd.CreatedAt,
		&cmd.ClaimedAt,
		&cmd.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	cmd.Priority = Priority(priority)
	if expiresAt != nil {
		cmd.ExpiresAt = *expiresAt
	}
	if retryOf != nil {
		cmd.RetryOf = *retryOf
	}
	return &cmd, nil
}

func scanCommands(rows pgx.Rows) ([]*Command, error) {
	var commands []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return commands, nil
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
