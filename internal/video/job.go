// Package video analyzes uploaded video files one job at a time.
package video

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/your-org/reid/internal/models"
	"github.com/your-org/reid/internal/vision"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrNotCompleted = errors.New("job not completed")
	ErrJobActive    = errors.New("job is queued or processing")
)

// JobState is the lifecycle state of a video job.
type JobState string

const (
	StateQueued     JobState = "queued"
	StateProcessing JobState = "processing"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateCancelled  JobState = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// PersonTrackingInfo aggregates one identity's sightings within a job.
type PersonTrackingInfo struct {
	IdentityID      string
	FirstSeenSec    float64
	LastSeenSec     float64
	Appearances     int
	TotalConfidence float64
	MaxConfidence   float64
	BestFrame       int
	BestBox         vision.Box
	Thumbnail       []byte
	ThumbnailKey    string
	Features        vision.Vector
}

// AverageConfidence returns the mean detection confidence.
func (p *PersonTrackingInfo) AverageConfidence() float64 {
	if p.Appearances == 0 {
		return 0
	}
	return p.TotalConfidence / float64(p.Appearances)
}

// Job is one submitted video. Fields are guarded by the processor's lock.
type Job struct {
	ID        string
	FileRef   string
	FrameSkip int
	Extract   bool

	State           JobState
	FPS             float64
	TotalFrames     int
	ProcessedFrames int
	TotalDetections int
	Error           string
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time

	persons     map[string]*PersonTrackingInfo
	frameCounts []float64
	summary     *models.JobResult

	cancelRequested atomic.Bool
}

func newJob(id, fileRef string, frameSkip int, extract bool, now time.Time) *Job {
	return &Job{
		ID:        id,
		FileRef:   fileRef,
		FrameSkip: frameSkip,
		Extract:   extract,
		State:     StateQueued,
		CreatedAt: now,
		persons:   make(map[string]*PersonTrackingInfo),
	}
}

// Status is a read-only view of a job.
type Status struct {
	ID              string    `json:"id"`
	FileRef         string    `json:"file_ref"`
	State           JobState  `json:"state"`
	FrameSkip       int       `json:"frame_skip"`
	ExtractFeatures bool      `json:"extract_features"`
	Progress        float64   `json:"progress"`
	ProcessedFrames int       `json:"processed_frames"`
	TotalFrames     int       `json:"total_frames"`
	TotalDetections int       `json:"total_detections"`
	UniquePersons   int       `json:"unique_persons"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
}

func (j *Job) progress() float64 {
	if j.State == StateCompleted {
		return 100
	}
	if j.TotalFrames <= 0 {
		return 0
	}
	return min(100, float64(j.ProcessedFrames)/float64(j.TotalFrames)*100)
}

func (j *Job) status() Status {
	return Status{
		ID:              j.ID,
		FileRef:         j.FileRef,
		State:           j.State,
		FrameSkip:       j.FrameSkip,
		ExtractFeatures: j.Extract,
		Progress:        j.progress(),
		ProcessedFrames: j.ProcessedFrames,
		TotalFrames:     j.TotalFrames,
		TotalDetections: j.TotalDetections,
		UniquePersons:   len(j.persons),
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

// buildSummary computes the job result. Persons are ordered by first appearance.
func (j *Job) buildSummary() models.JobResult {
	res := models.JobResult{
		JobID:           j.ID,
		FileRef:         j.FileRef,
		State:           string(j.State),
		TotalFrames:     j.TotalFrames,
		ProcessedFrames: j.ProcessedFrames,
		TotalDetections: j.TotalDetections,
		UniquePersons:   len(j.persons),
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		CompletedAt:     j.CompletedAt,
	}
	for _, c := range j.frameCounts {
		res.PeakPersons = max(res.PeakPersons, int(c))
	}
	if len(j.frameCounts) > 0 {
		res.AveragePersons = stat.Mean(j.frameCounts, nil)
	}

	res.Persons = make([]models.PersonResult, 0, len(j.persons))
	for _, p := range j.persons {
		res.Persons = append(res.Persons, models.PersonResult{
			IdentityID:        p.IdentityID,
			FirstSeenSec:      p.FirstSeenSec,
			LastSeenSec:       p.LastSeenSec,
			Appearances:       p.Appearances,
			AverageConfidence: p.AverageConfidence(),
			MaxConfidence:     p.MaxConfidence,
			BestFrame:         p.BestFrame,
			BBox:              [4]int{p.BestBox.X, p.BestBox.Y, p.BestBox.W, p.BestBox.H},
			ThumbnailKey:      p.ThumbnailKey,
			Embedding:         p.Features,
		})
	}
	sort.Slice(res.Persons, func(a, b int) bool {
		pa, pb := res.Persons[a], res.Persons[b]
		if pa.FirstSeenSec != pb.FirstSeenSec {
			return pa.FirstSeenSec < pb.FirstSeenSec
		}
		return pa.IdentityID < pb.IdentityID
	})
	return res
}
