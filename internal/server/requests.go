package server

// Request types for WebSocket commands with validation tags.
// Settings updates decode straight into config.SettingsPatch.

// ProcessingRequest is the request body for recording/processing.
type ProcessingRequest struct {
	Processing *bool `json:"processing" validate:"required"`
}

// StatusMessageRequest is the request body for recording/status_message.
type StatusMessageRequest struct {
	Message string `json:"message" validate:"max=500"`
}

// EventsRequest is the request body for events/list.
type EventsRequest struct {
	Limit  int    `json:"limit" validate:"omitempty,gte=1,lte=500"`
	Offset int    `json:"offset" validate:"gte=0"`
	Filter string `json:"filter" validate:"omitempty,oneof=session archive"`
}
