package device

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL device repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Get retrieves a device by ID.
func (r *PostgresRepository) Get(ctx context.Context, deviceID string) (*Device, error) {
	query := `
		SELECT id, name, model, os_version, agent_version, last_seen, registered_at, updated_at
		FROM devices
		WHERE id = $1
	`

	var device Device
	var lastSeen *time.Time
	err := r.pool.QueryRow(ctx, query, deviceID).Scan(
		&device.ID,
		&device.Name,
		&device.Model,
		&device.OSVersion,
		&device.AgentVersion,
		&lastSeen,
		&device.RegisteredAt,
		&device.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	if lastSeen != nil {
		device.LastSeen = *lastSeen
	}

	return &device, nil
}

// Exists reports whether a device is registered.
func (r *PostgresRepository) Exists(ctx context.Context, deviceID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM devices WHERE id = $1)`, deviceID).Scan(&exists)
	return exists, err
}

// List retrieves devices ordered by registration time, newest first.
func (r *PostgresRepository) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, name, model, os_version, agent_version, last_seen, registered_at, updated_at
		FROM devices
		ORDER BY registered_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var device Device
		var lastSeen *time.Time
		err := rows.Scan(
			&device.ID,
			&device.Name,
			&device.Model,
			&device.OSVersion,
			&device.AgentVersion,
			&lastSeen,
			&device.RegisteredAt,
			&device.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if lastSeen != nil {
			device.LastSeen = *lastSeen
		}
		devices = append(devices, &device)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &ListResult{Items: devices}, nil
}

// Upsert creates or updates a device by ID.
func (r *PostgresRepository) Upsert(ctx context.Context, device *Device) (bool, error) {
	query := `
		INSERT INTO devices (id, name, model, os_version, agent_version, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			model = EXCLUDED.model,
			os_version = EXCLUDED.os_version,
			agent_version = EXCLUDED.agent_version,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		device.ID,
		device.Name,
		device.Model,
		device.OSVersion,
		device.AgentVersion,
		device.RegisteredAt,
		device.UpdatedAt,
	).Scan(&inserted)

	if err != nil {
		return false, err
	}

	return inserted, nil
}

// Touch sets the device's lastSeen to now. Unknown devices are a no-op.
func (r *PostgresRepository) Touch(ctx context.Context, deviceID string, now time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE devices SET last_seen = $2 WHERE id = $1`, deviceID, now)
	return err
}

// Snapshot returns lastSeen for every registered device.
func (r *PostgresRepository) Snapshot(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, last_seen FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var lastSeen *time.Time
		if err := rows.Scan(&id, &lastSeen); err != nil {
			return nil, err
		}
		if lastSeen != nil {
			snapshot[id] = *lastSeen
		} else {
			snapshot[id] = time.Time{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return snapshot, nil
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
