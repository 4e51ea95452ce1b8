package models

// DeviceRegisterRequest is the body for registering a device.
type DeviceRegisterRequest struct {
	DeviceID     string  `json:"deviceId"`
	Name         string  `json:"name"`
	Model        *string `json:"model,omitempty"`
	OSVersion    *string `json:"osVersion,omitempty"`
	AgentVersion *string `json:"agentVersion,omitempty"`
}

// Device is the API representation of a fleet device with derived presence.
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Model        *string    `json:"model,omitempty"`
	OSVersion    *string    `json:"osVersion,omitempty"`
	AgentVersion *string    `json:"agentVersion,omitempty"`
	Status       string     `json:"status"`
	LastSeen     *Timestamp `json:"lastSeen,omitempty"`
	RegisteredAt Timestamp  `json:"registeredAt"`
	UpdatedAt    Timestamp  `json:"updatedAt"`
}

// DeviceRegisterResponse is returned on registration and carries the device
// bearer token.
type DeviceRegisterResponse struct {
	Device Device    `json:"device"`
	Token  string    `json:"token"`
	Expiry Timestamp `json:"tokenExpiresAt"`
}

// PagedDevices is a page of devices.
type PagedDevices struct {
	Items []Device          `json:"items"`
	Meta  PagedResponseMeta `json:"meta"`
}

// LocationIngestRequest is the body for reporting a location point.
type LocationIngestRequest struct {
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	Accuracy   *float64   `json:"accuracy,omitempty"`
	Speed      *float64   `json:"speed,omitempty"`
	RecordedAt *Timestamp `json:"recordedAt,omitempty"`
}
