package location

import "context"

// Repository defines the interface for location persistence.
type Repository interface {
	// Insert stores one location point.
	Insert(ctx context.Context, point *Point) error

	// History retrieves stored points for a device, oldest first.
	History(ctx context.Context, filter HistoryFilter) ([]*Point, error)
}
