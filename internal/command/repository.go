package command

import (
	"context"
	"time"
)

// Repository defines the persistence contract for commands.
//
// The claim and transition methods are conditional updates: they apply only
// when the command is still in the expected prior state and report whether
// they applied. Implementations must make each of them a single atomic step
// against the store; a read followed by a write is not acceptable, since the
// at-most-one-claim guarantee and the ack/sweep race both depend on it.
type Repository interface {
	// Create persists a new command.
	Create(ctx context.Context, cmd *Command) error

	// Get retrieves a command by id.
	Get(ctx context.Context, id string) (*Command, error)

	// List retrieves commands matching the filter, newest first, paginated.
	List(ctx context.Context, filter ListFilter) (*ListResult, error)

	// ClaimPending atomically selects up to limit pending commands for the
	// device, ordered by priority descending then creation time ascending,
	// and transitions each to in_progress stamping claimedAt. A command
	// claimed here is never returned by a concurrent or later call.
	ClaimPending(ctx context.Context, deviceID string, limit int, now time.Time) ([]*Command, error)

	// Complete transitions an in_progress command to the given terminal
	// status, stamping completedAt and storing result/error. Returns false
	// without modifying anything if the command is no longer in_progress.
	Complete(ctx context.Context, id string, status Status, result, errMsg *string, now time.Time) (bool, error)

	// CancelPending transitions a pending command to cancelled. Returns
	// false if the command is no longer pending.
	CancelPending(ctx context.Context, id string, now time.Time) (bool, error)

	// ExpireOverdue transitions every pending or in_progress command whose
	// deadline has passed to timed_out, returning the commands it expired.
	ExpireOverdue(ctx context.Context, now time.Time) ([]*Command, error)
}
