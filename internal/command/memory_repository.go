package command

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use the PostgreSQL
// implementation.
type InMemoryRepository struct {
	mu       sync.Mutex
	commands map[string]*Command
	seq      int64 // creation order tie-break for identical timestamps
	order    map[string]int64
}

// NewInMemoryRepository creates a new in-memory command repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		commands: make(map[string]*Command),
		order:    make(map[string]int64),
	}
}

// Create persists a new command.
func (r *InMemoryRepository) Create(_ context.Context, cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.order[cmd.ID] = r.seq
	r.commands[cmd.ID] = copyCommand(cmd)
	return nil
}

// Get retrieves a command by id.
func (r *InMemoryRepository) Get(_ context.Context, id string) (*Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCommand(cmd), nil
}

// List retrieves commands matching the filter, newest first.
func (r *InMemoryRepository) List(_ context.Context, filter ListFilter) (*ListResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*Command
	for _, cmd := range r.commands {
		if filter.DeviceID != "" && cmd.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Status != "" && cmd.Status != filter.Status {
			continue
		}
		if filter.Priority != nil && cmd.Priority != *filter.Priority {
			continue
		}
		matched = append(matched, cmd)
	}

	sort.Slice(matched, func(i, j int) bool {
		return r.order[matched[i].ID] > r.order[matched[j].ID]
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	total := len(matched)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	items := make([]*Command, 0, end-start)
	for _, cmd := range matched[start:end] {
		items = append(items, copyCommand(cmd))
	}

	return &ListResult{Items: items, Total: total}, nil
}

// ClaimPending atomically claims up to limit pending commands for a device.
func (r *InMemoryRepository) ClaimPending(_ context.Context, deviceID string, limit int, now time.Time) ([]*Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}

	var pending []*Command
	for _, cmd := range r.commands {
		if cmd.DeviceID == deviceID && cmd.Status == StatusPending {
			pending = append(pending, cmd)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return r.order[pending[i].ID] < r.order[pending[j].ID]
	})

	if len(pending) > limit {
		pending = pending[:limit]
	}

	claimed := make([]*Command, 0, len(pending))
	for _, cmd := range pending {
		cmd.Status = StatusInProgress
		at := now
		cmd.ClaimedAt = &at
		claimed = append(claimed, copyCommand(cmd))
	}

	return claimed, nil
}

// Complete transitions an in_progress command to a terminal status.
func (r *InMemoryRepository) Complete(_ context.Context, id string, status Status, result, errMsg *string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[id]
	if !ok {
		return false, ErrNotFound
	}
	if cmd.Status != StatusInProgress {
		return false, nil
	}

	cmd.Status = status
	at := now
	cmd.CompletedAt = &at
	cmd.Result = result
	cmd.Error = errMsg
	return true, nil
}

// CancelPending transitions a pending command to cancelled.
func (r *InMemoryRepository) CancelPending(_ context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[id]
	if !ok {
		return false, ErrNotFound
	}
	if cmd.Status != StatusPending {
		return false, nil
	}

	cmd.Status = StatusCancelled
	at := now
	cmd.CompletedAt = &at
	return true, nil
}

// ExpireOverdue transitions overdue in-flight commands to timed_out.
func (r *InMemoryRepository) ExpireOverdue(_ context.Context, now time.Time) ([]*Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*Command
	for _, cmd := range r.commands {
		if cmd.Status != StatusPending && cmd.Status != StatusInProgress {
			continue
		}
		if !cmd.Expired(now) {
			continue
		}
		cmd.Status = StatusTimedOut
		at := now
		cmd.CompletedAt = &at
		expired = append(expired, copyCommand(cmd))
	}

	sort.Slice(expired, func(i, j int) bool {
		return r.order[expired[i].ID] < r.order[expired[j].ID]
	})
	return expired, nil
}

// copyCommand creates a deep copy of a command.
func copyCommand(c *Command) *Command {
	if c == nil {
		return nil
	}

	cmdCopy := &Command{
		ID:          c.ID,
		DeviceID:    c.DeviceID,
		Type:        c.Type,
		Priority:    c.Priority,
		Status:      c.Status,
		RequiresAck: c.RequiresAck,
		ExpiresAt:   c.ExpiresAt,
		RetryOf:     c.RetryOf,
		CreatedAt:   c.CreatedAt,
	}

	if c.Params != nil {
		cmdCopy.Params = make(Params, len(c.Params))
		for k, v := range c.Params {
			cmdCopy.Params[k] = v
		}
	}
	if c.Result != nil {
		val := *c.Result
		cmdCopy.Result = &val
	}
	if c.Error != nil {
		val := *c.Error
		cmdCopy.Error = &val
	}
	if c.ClaimedAt != nil {
		val := *c.ClaimedAt
		cmdCopy.ClaimedAt = &val
	}
	if c.CompletedAt != nil {
		val := *c.CompletedAt
		cmdCopy.CompletedAt = &val
	}

	return cmdCopy
}

// Ensure InMemoryRepository implements Repository interface.
var _ Repository = (*InMemoryRepository)(nil)
