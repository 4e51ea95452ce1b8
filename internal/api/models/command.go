package models

// CommandCreateRequest is the body for enqueueing a command.
type CommandCreateRequest struct {
	Type        string         `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	TTLSeconds  int            `json:"ttl,omitempty"`
	RequiresAck bool           `json:"requiresAck,omitempty"`
}

// CommandAckRequest is the body for acknowledging a command.
type CommandAckRequest struct {
	Success bool    `json:"success"`
	Result  *string `json:"result,omitempty"`
	Error   *string `json:"error,omitempty"`
}

// Command is the API representation of a command.
type Command struct {
	ID          string         `json:"id"`
	DeviceID    string         `json:"deviceId"`
	Type        string         `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	RequiresAck bool           `json:"requiresAck"`
	ExpiresAt   *Timestamp     `json:"expiresAt,omitempty"`
	RetryOf     *string        `json:"retryOf,omitempty"`
	Result      *string        `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	CreatedAt   Timestamp      `json:"createdAt"`
	ClaimedAt   *Timestamp     `json:"claimedAt,omitempty"`
	CompletedAt *Timestamp     `json:"completedAt,omitempty"`
}

// PagedCommands is a page of commands.
type PagedCommands struct {
	Items []Command         `json:"items"`
	Meta  PagedResponseMeta `json:"meta"`
}

// ClaimedCommands is the response to a device claim poll.
type ClaimedCommands struct {
	Items []Command `json:"items"`
}
