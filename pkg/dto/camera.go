package dto

type StartCameraRequest struct {
	CameraID string `json:"camera_id" binding:"required"`
	URL      string `json:"url" binding:"required"`
}

type CameraResponse struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	State        string `json:"state"`
	CurrentCount int    `json:"current_count"`
	StreamURL    string `json:"stream_url"`
	StartedAt    string `json:"started_at"`
}

type CameraListResponse struct {
	Cameras []CameraResponse `json:"cameras"`
	Total   int              `json:"total"`
}

type TrackedPersonResponse struct {
	Identity   string  `json:"identity"`
	TrackID    int     `json:"track_id"`
	BBox       [4]int  `json:"bbox"` // x, y, w, h
	Confidence float64 `json:"confidence"`
	Confirmed  bool    `json:"confirmed"`
}

type CameraPersonsResponse struct {
	CameraID string                  `json:"camera_id"`
	Persons  []TrackedPersonResponse `json:"persons"`
	Count    int                     `json:"count"`
}
