package models

import (
	"time"
)

// JobResult is the persisted summary of a finished video job.
type JobResult struct {
	JobID           string         `json:"job_id" db:"id"`
	FileRef         string         `json:"file_ref" db:"file_ref"`
	State           string         `json:"state" db:"state"`
	TotalFrames     int            `json:"total_frames" db:"total_frames"`
	ProcessedFrames int            `json:"processed_frames" db:"processed_frames"`
	TotalDetections int            `json:"total_detections" db:"total_detections"`
	UniquePersons   int            `json:"unique_persons" db:"unique_persons"`
	PeakPersons     int            `json:"peak_persons" db:"peak_persons"`
	AveragePersons  float64        `json:"average_persons" db:"average_persons"`
	Error           string         `json:"error,omitempty" db:"error_message"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	CompletedAt     time.Time      `json:"completed_at" db:"completed_at"`
	Persons         []PersonResult `json:"persons"`
}

// PersonResult is one identity's aggregate within a video job.
type PersonResult struct {
	IdentityID        string    `json:"identity_id" db:"identity_id"`
	FirstSeenSec      float64   `json:"first_seen_sec" db:"first_seen_sec"`
	LastSeenSec       float64   `json:"last_seen_sec" db:"last_seen_sec"`
	Appearances       int       `json:"appearances" db:"appearances"`
	AverageConfidence float64   `json:"average_confidence" db:"average_confidence"`
	MaxConfidence     float64   `json:"max_confidence" db:"max_confidence"`
	BestFrame         int       `json:"best_frame" db:"best_frame"`
	BBox              [4]int    `json:"bbox" db:"bbox"`
	ThumbnailKey      string    `json:"thumbnail_key,omitempty" db:"thumbnail_key"`
	Embedding         []float32 `json:"-" db:"embedding"`
}
