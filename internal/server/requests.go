package server

// Request types for WebSocket commands with validation tags.

// DeviceListRequest is the request body for devices/list.
type DeviceListRequest struct {
	Flow string `json:"flow" validate:"omitempty,oneof=capture render"`
}

// DeviceRequest is the request body for devices/active and devices/classify.
type DeviceRequest struct {
	ID string `json:"id" validate:"required,max=1024"`
}

// ProcessListRequest is the request body for processes/list.
type ProcessListRequest struct {
	Flow string `json:"flow" validate:"required,oneof=capture render"`
}

// WebhookUpdateRequest is the request body for notifications/webhook/update.
type WebhookUpdateRequest struct {
	URL string `json:"url" validate:"omitempty,url,max=2048"`
}
