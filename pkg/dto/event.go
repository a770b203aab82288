package dto

import "encoding/json"

// WSMessage is a WebSocket message for real-time event delivery.
type WSMessage struct {
	Type     string          `json:"type"` // detections, streams, jobs
	CameraID string          `json:"camera_id,omitempty"`
	JobID    string          `json:"job_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
