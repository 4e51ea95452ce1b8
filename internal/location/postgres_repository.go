package location

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL location repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Insert stores one location point.
func (r *PostgresRepository) Insert(ctx context.Context, point *Point) error {
	query := `
		INSERT INTO locations (device_id, lat, lon, accuracy, speed, recorded_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		point.DeviceID,
		point.Lat,
		point.Lon,
		point.Accuracy,
		point.Speed,
		point.RecordedAt,
		point.ReceivedAt,
	)
	return err
}

// History retrieves stored points for a device, oldest first.
func (r *PostgresRepository) History(ctx context.Context, filter HistoryFilter) ([]*Point, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT device_id, lat, lon, accuracy, speed, recorded_at, received_at
		FROM locations
		WHERE device_id = $1
			AND ($2::timestamptz IS NULL OR recorded_at >= $2)
		ORDER BY recorded_at ASC
		LIMIT $3
	`

	var since any
	if !filter.Since.IsZero() {
		since = filter.Since
	}

	rows, err := r.pool.Query(ctx, query, filter.DeviceID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []*Point
	for rows.Next() {
		var point Point
		err := rows.Scan(
			&point.DeviceID,
			&point.Lat,
			&point.Lon,
			&point.Accuracy,
			&point.Speed,
			&point.RecordedAt,
			&point.ReceivedAt,
		)
		if err != nil {
			return nil, err
		}
		points = append(points, &point)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return points, nil
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
