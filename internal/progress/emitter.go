// Package progress tracks per-job processing state machines and publishes
// structured progress events through the connection registry.
package progress

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/collabhub/internal/errs"
	"github.com/and161185/collabhub/internal/event"
)

// Stage is a named phase of a tracked job, ordered by its target
// completion percentage.
type Stage string

// Processing stages.
const (
	StageInitializing   Stage = "initializing"
	StagePreprocessing  Stage = "preprocessing"
	StageAnalyzing      Stage = "analyzing"
	StageZoneDetection  Stage = "zone_detection"
	StageTextExtraction Stage = "text_extraction"
	StagePostProcessing Stage = "post_processing"
	StageFinalizing     Stage = "finalizing"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

// stagePercent maps each stage to its target completion percentage.
// StageFailed is absent: failure freezes the percentage at its last value.
var stagePercent = map[Stage]float64{
	StageInitializing:   5,
	StagePreprocessing:  15,
	StageAnalyzing:      25,
	StageZoneDetection:  45,
	StageTextExtraction: 75,
	StagePostProcessing: 90,
	StageFinalizing:     95,
	StageCompleted:      100,
}

// Page-interpolating stages: progress within the stage starts at base and
// contributes up to weight percent of the page fraction.
var (
	stageBase   = map[Stage]float64{StageZoneDetection: 25, StageTextExtraction: 45, StagePostProcessing: 75}
	stageWeight = map[Stage]float64{StageZoneDetection: 0.3, StageTextExtraction: 0.4, StagePostProcessing: 0.2}
)

// pageProgressCap keeps interpolated progress below finalizing until
// completion is reported explicitly.
const pageProgressCap = 95

// Publisher is what the emitter needs from the registry.
type Publisher interface {
	SubscribeUser(userID, roomID string) int
	UnsubscribeUser(userID, roomID string)
	BroadcastToRoom(roomID string, ev event.Event, exclude string) int
}

// Config tunes emitter behavior; zero values take defaults.
type Config struct {
	CleanupGrace time.Duration // delay before a finished job's state is removed (default 300s)
}

func (c Config) withDefaults() Config {
	if c.CleanupGrace <= 0 {
		c.CleanupGrace = 5 * time.Minute
	}
	return c
}

// job is the mutable tracked state; guarded by the emitter's mutex.
type job struct {
	ID                string
	DocumentID        string
	UserID            string
	Stage             Stage
	Percentage        float64
	CurrentPage       int
	TotalPages        int
	ZonesProcessed    int
	ZonesDetected     int
	Errors            []event.JobError
	StartTime         time.Time
	EndTime           time.Time
	EstimatedDuration time.Duration
	LastUpdate        time.Time
}

// Snapshot is the read-only view of a tracked job.
type Snapshot struct {
	JobID          string           `json:"job_id"`
	DocumentID     string           `json:"document_id"`
	UserID         string           `json:"user_id"`
	Stage          Stage            `json:"stage"`
	Percentage     float64          `json:"progress_percentage"`
	CurrentPage    int              `json:"current_page"`
	TotalPages     int              `json:"total_pages"`
	ZonesProcessed int              `json:"zones_processed"`
	ZonesDetected  int              `json:"zones_detected"`
	Errors         []event.JobError `json:"errors"`
	StartTime      time.Time        `json:"start_time"`
	EndTime        time.Time        `json:"end_time,omitempty"`
	DurationSecs   float64          `json:"duration_seconds,omitempty"`
	EstimatedSecs  float64          `json:"estimated_duration_seconds,omitempty"`
}

// Emitter tracks active jobs and emits their progress events.
type Emitter struct {
	cfg Config
	log *zap.Logger
	pub Publisher

	mu   sync.Mutex
	jobs map[string]*job
}

// New constructs an Emitter publishing through pub.
func New(cfg Config, pub Publisher, log *zap.Logger) *Emitter {
	return &Emitter{
		cfg:  cfg.withDefaults(),
		log:  log,
		pub:  pub,
		jobs: make(map[string]*job),
	}
}

// jobRoom is the room a job's events are scoped to.
func jobRoom(jobID string) string { return "job_" + jobID }

// StartTracking initializes job state, subscribes the owning user to the
// job-scoped room, and emits the initial progress event.
func (e *Emitter) StartTracking(jobID, documentID, userID string, totalPages int, estimatedDuration time.Duration) {
	if totalPages <= 0 {
		totalPages = 1
	}
	now := time.Now().UTC()
	e.mu.Lock()
	e.jobs[jobID] = &job{
		ID:                jobID,
		DocumentID:        documentID,
		UserID:            userID,
		Stage:             StageInitializing,
		TotalPages:        totalPages,
		EstimatedDuration: estimatedDuration,
		StartTime:         now,
		LastUpdate:        now,
	}
	e.mu.Unlock()

	e.pub.SubscribeUser(userID, jobRoom(jobID))
	e.emitProgress(jobID, "")
	e.log.Info("job tracking started",
		zap.String("job_id", jobID),
		zap.String("document_id", documentID),
		zap.Int("total_pages", totalPages),
	)
}

// UpdateStage moves a job to a stage, setting the percentage to the stage's
// target. StageFailed keeps the prior percentage.
func (e *Emitter) UpdateStage(jobID string, stage Stage, message string) error {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, errs.ErrNotFound)
	}
	j.Stage = stage
	if pct, known := stagePercent[stage]; known {
		j.Percentage = pct
	}
	j.LastUpdate = time.Now().UTC()
	e.mu.Unlock()

	e.emitProgress(jobID, message)
	return nil
}

// UpdatePageProgress interpolates fractional progress within the
// page-driven stages as base + pageFraction x weight, capped below
// finalizing until completion is explicit.
func (e *Emitter) UpdatePageProgress(jobID string, currentPage, zonesOnPage int) error {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, errs.ErrNotFound)
	}
	j.CurrentPage = currentPage
	j.ZonesDetected += zonesOnPage
	j.LastUpdate = time.Now().UTC()

	if base, ok := stageBase[j.Stage]; ok && j.TotalPages > 0 {
		pagePct := float64(currentPage) / float64(j.TotalPages) * 100
		pct := base + pagePct*stageWeight[j.Stage]
		if pct > pageProgressCap {
			pct = pageProgressCap
		}
		j.Percentage = pct
	}
	e.mu.Unlock()

	e.emitProgress(jobID, "")
	return nil
}

// AddZoneProcessed records one processed zone, emits the zone-scoped event
// and a progress update.
func (e *Emitter) AddZoneProcessed(jobID, zoneID, zoneType string, confidence, processingTime float64, zoneErr string) error {
	now := time.Now().UTC()
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, errs.ErrNotFound)
	}
	j.ZonesProcessed++
	j.LastUpdate = now
	if zoneErr != "" {
		j.Errors = append(j.Errors, event.JobError{
			Message:     zoneErr,
			ZoneID:      zoneID,
			Recoverable: true,
			Timestamp:   now.Format(time.RFC3339Nano),
		})
	}
	data := event.ZoneProcessedData{
		JobID:          jobID,
		ZoneID:         zoneID,
		ZoneType:       zoneType,
		Confidence:     confidence,
		ProcessingTime: processingTime,
		Error:          zoneErr,
		ZonesCompleted: j.ZonesProcessed,
		ZonesTotal:     j.ZonesDetected,
	}
	userID := j.UserID
	e.mu.Unlock()

	e.pub.BroadcastToRoom(jobRoom(jobID), event.New(event.TypeZoneProcessed, data).WithUser(userID), "")
	e.emitProgress(jobID, "")
	return nil
}

// AddError appends a job error; an unrecoverable error forces the stage to
// failed, freezing the percentage.
func (e *Emitter) AddError(jobID, message, code string, recoverable bool) error {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, errs.ErrNotFound)
	}
	j.Errors = append(j.Errors, event.JobError{
		Message:     message,
		Code:        code,
		Recoverable: recoverable,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	})
	j.LastUpdate = time.Now().UTC()
	if !recoverable {
		j.Stage = StageFailed
	}
	e.mu.Unlock()

	e.emitProgress(jobID, "")
	return nil
}

// CompleteJob records the terminal stage, emits the final event, and
// schedules state removal after the cleanup grace period.
func (e *Emitter) CompleteJob(jobID string, success bool, finalMessage string) error {
	now := time.Now().UTC()
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, errs.ErrNotFound)
	}
	if success {
		j.Stage = StageCompleted
		j.Percentage = 100
	} else {
		j.Stage = StageFailed
	}
	j.EndTime = now
	j.LastUpdate = now
	e.mu.Unlock()

	e.emitProgress(jobID, finalMessage)
	time.AfterFunc(e.cfg.CleanupGrace, func() { e.cleanup(jobID) })
	e.log.Info("job completed",
		zap.String("job_id", jobID),
		zap.Bool("success", success),
		zap.Duration("duration", now.Sub(j.StartTime)),
	)
	return nil
}

// CancelJob forces a job to failed with code JOB_CANCELLED and completes it
// unsuccessfully.
func (e *Emitter) CancelJob(jobID string) error {
	if err := e.AddError(jobID, "Job cancelled by user", "JOB_CANCELLED", false); err != nil {
		return err
	}
	return e.CompleteJob(jobID, false, "Job cancelled")
}

// JobStatus returns a snapshot of a tracked job.
func (e *Emitter) JobStatus(jobID string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotLocked(j), true
}

// ActiveJobs lists tracked jobs, optionally filtered by owning user.
func (e *Emitter) ActiveJobs(userID string) []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.jobs))
	for _, j := range e.jobs {
		if userID != "" && j.UserID != userID {
			continue
		}
		out = append(out, snapshotLocked(j))
	}
	return out
}

func snapshotLocked(j *job) Snapshot {
	s := Snapshot{
		JobID:          j.ID,
		DocumentID:     j.DocumentID,
		UserID:         j.UserID,
		Stage:          j.Stage,
		Percentage:     j.Percentage,
		CurrentPage:    j.CurrentPage,
		TotalPages:     j.TotalPages,
		ZonesProcessed: j.ZonesProcessed,
		ZonesDetected:  j.ZonesDetected,
		Errors:         append([]event.JobError(nil), j.Errors...),
		StartTime:      j.StartTime,
		EndTime:        j.EndTime,
		EstimatedSecs:  j.EstimatedDuration.Seconds(),
	}
	if !j.EndTime.IsZero() {
		s.DurationSecs = j.EndTime.Sub(j.StartTime).Seconds()
	}
	return s
}

// emitProgress broadcasts the job's current state to its room. The ETA is
// elapsed x (100/percentage) - elapsed, undefined before first progress and
// once terminal.
func (e *Emitter) emitProgress(jobID, message string) {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return
	}

	var eta *float64
	if j.Percentage > 0 && j.Percentage < 100 {
		elapsed := time.Since(j.StartTime).Seconds()
		remaining := elapsed*(100/j.Percentage) - elapsed
		if remaining < 0 {
			remaining = 0
		}
		eta = &remaining
	}
	data := event.ProgressData{
		JobID:          j.ID,
		DocumentID:     j.DocumentID,
		Stage:          string(j.Stage),
		Percentage:     j.Percentage,
		CurrentPage:    j.CurrentPage,
		TotalPages:     j.TotalPages,
		ZonesProcessed: j.ZonesProcessed,
		ZonesDetected:  j.ZonesDetected,
		ETASeconds:     eta,
		Message:        message,
		ErrorsCount:    len(j.Errors),
	}
	if n := len(j.Errors); n > 0 {
		last := j.Errors[n-1]
		data.LastError = &last
	}
	userID := j.UserID
	e.mu.Unlock()

	e.pub.BroadcastToRoom(jobRoom(jobID), event.New(event.TypeProcessingProgress, data).WithUser(userID), "")
}

// cleanup removes a finished job's state and unsubscribes its user from the
// job room.
func (e *Emitter) cleanup(jobID string) {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	if ok {
		delete(e.jobs, jobID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.pub.UnsubscribeUser(j.UserID, jobRoom(jobID))
}
