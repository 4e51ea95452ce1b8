// Package command provides command dispatch and life-cycle management for
// fleet devices: enqueueing, atomic claiming, acknowledgement, retry and
// TTL expiry.
package command

import (
	"errors"
	"sort"
	"time"
)

// Domain errors.
var (
	ErrNotFound      = errors.New("command not found")
	ErrInvalidTarget = errors.New("unknown target device")
	ErrInvalidParams = errors.New("invalid command params")
	ErrInvalidState  = errors.New("operation not allowed in current command state")
	ErrForbidden     = errors.New("command belongs to another device")
	ErrUnavailable   = errors.New("command store unavailable")
)

// Status is a command life-cycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal commands never
// transition again; retry spawns a new command instead.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted,
		StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Type is a command type from the closed enumeration.
type Type string

const (
	TypeReboot         Type = "reboot"
	TypeLock           Type = "lock"
	TypeWipe           Type = "wipe"
	TypeFetchInfo      Type = "fetch-info"
	TypeFetchApps      Type = "fetch-apps"
	TypeFetchContacts  Type = "fetch-contacts"
	TypeFetchSMS       Type = "fetch-sms"
	TypeFetchCallLogs  Type = "fetch-call-logs"
	TypeFetchLocation  Type = "fetch-location"
	TypeTakePhoto      Type = "take-photo"
	TypeRecordAudio    Type = "record-audio"
	TypeRecordVideo    Type = "record-video"
	TypeExecuteShell   Type = "execute-shell"
	TypeSendSMS        Type = "send-sms"
	TypeMakeCall       Type = "make-call"
	TypeCheckUpdate    Type = "check-update"
	TypeDownloadUpdate Type = "download-update"
	TypeInstallUpdate  Type = "install-update"
)

// Valid reports whether t is a known command type.
func (t Type) Valid() bool {
	_, ok := typeValidators[t]
	return ok
}

// Priority orders commands within a device's pending set. Higher values
// dequeue first; within a priority claiming is strict FIFO by creation time.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// ParsePriority maps the wire representation to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	}
	return 0, false
}

// String returns the wire representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Params is the canonical key/value payload for a command, shape-checked
// per type at the boundary.
type Params map[string]any

// Command is a unit of work targeted at one device.
type Command struct {
	ID          string
	DeviceID    string
	Type        Type
	Params      Params
	Priority    Priority
	Status      Status
	RequiresAck bool

	// ExpiresAt is the absolute deadline after which a non-terminal
	// command is swept to timed_out. Zero means no expiry.
	ExpiresAt time.Time

	// RetryOf references the original command when this one was created
	// by a retry. Empty otherwise.
	RetryOf string

	Result *string
	Error  *string

	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
}

// Expired reports whether the command deadline has passed at the given time.
func (c *Command) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// sortByDispatchOrder orders commands the way dispatch hands them out:
// priority descending, then creation time ascending.
func sortByDispatchOrder(commands []*Command) {
	sort.Slice(commands, func(i, j int) bool {
		if commands[i].Priority != commands[j].Priority {
			return commands[i].Priority > commands[j].Priority
		}
		return commands[i].CreatedAt.Before(commands[j].CreatedAt)
	})
}

// ListFilter narrows a command listing.
type ListFilter struct {
	DeviceID string
	Status   Status
	Priority *Priority
	Page     int
	Limit    int
}

// ListResult is one page of commands plus the total match count.
type ListResult struct {
	Items []*Command
	Total int
}
