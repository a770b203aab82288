package models

import (
	"time"
)

// Identity is a global person identity as persisted by the storage layer.
type Identity struct {
	ID          string    `json:"id" db:"id"`
	Embedding   []float32 `json:"-" db:"embedding"`
	FirstCamera string    `json:"first_camera" db:"first_camera"`
	LastCamera  string    `json:"last_camera" db:"last_camera"`
	Cameras     []string  `json:"cameras" db:"cameras"`
	MatchCount  int       `json:"match_count" db:"match_count"`
	FirstSeen   time.Time `json:"first_seen" db:"first_seen"`
	LastSeen    time.Time `json:"last_seen" db:"last_seen"`
}

// Detection is one persisted sighting of a tracked person on a camera.
type Detection struct {
	ID         string    `json:"id" db:"id"`
	CameraID   string    `json:"camera_id" db:"camera_id"`
	IdentityID string    `json:"identity_id" db:"identity_id"`
	TrackID    int       `json:"track_id" db:"track_id"`
	Confidence float64   `json:"confidence" db:"confidence"`
	BBox       [4]int    `json:"bbox" db:"bbox"` // x, y, w, h
	Embedding  []float32 `json:"-" db:"embedding"`
	DetectedAt time.Time `json:"detected_at" db:"detected_at"`
}
