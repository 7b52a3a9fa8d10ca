package model

import (
	"time"

	"github.com/google/uuid"
)

// JobType selects the per-record policy a batch job applies.
type JobType string

const (
	JobIdentityMatching   JobType = "identity_matching"
	JobDataValidation     JobType = "data_validation"
	JobDataQuality        JobType = "data_quality"
	JobDeduplication      JobType = "deduplication"
	JobHouseholdDetection JobType = "household_detection"
	JobBulkExport         JobType = "bulk_export"
)

// ValidJobType reports whether t is a recognized job type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobIdentityMatching, JobDataValidation, JobDataQuality,
		JobDeduplication, JobHouseholdDetection, JobBulkExport:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a batch job. Completed, failed,
// and cancelled are terminal.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status accepts no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobPriority orders jobs in the scheduler queue: urgent before high
// before normal before low.
type JobPriority int

const (
	PriorityUrgent JobPriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the wire name of the priority.
func (p JobPriority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParseJobPriority maps a wire name to a priority, defaulting to normal.
func ParseJobPriority(s string) JobPriority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// MarshalText implements encoding.TextMarshaler so priorities serialize
// as their wire names in JSON.
func (p JobPriority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *JobPriority) UnmarshalText(b []byte) error {
	*p = ParseJobPriority(string(b))
	return nil
}

// JobConfig carries the per-type knobs of a batch job. Zero values fall
// back to engine-level defaults.
type JobConfig struct {
	MatchThreshold      float64           `json:"match_threshold,omitempty"`
	MinQualityThreshold float64           `json:"min_quality_threshold,omitempty"`
	SimilarityThreshold float64           `json:"similarity_threshold,omitempty"`
	ValidationDepth     string            `json:"validation_depth,omitempty"`
	UseHybrid           bool              `json:"use_hybrid,omitempty"`
	AbortOnError        bool              `json:"abort_on_error,omitempty"`
	FieldMapping        map[string]string `json:"field_mapping,omitempty"`
	Anonymize           bool              `json:"anonymize,omitempty"`
	IncludeMetadata     bool              `json:"include_metadata,omitempty"`
}

// BatchJob is the registry entry for one batch job. Counters satisfy
// processed = successful + failed <= total once the job is terminal.
type BatchJob struct {
	ID       uuid.UUID   `json:"job_id"`
	Name     string      `json:"name"`
	Type     JobType     `json:"job_type"`
	Status   JobStatus   `json:"status"`
	Priority JobPriority `json:"priority"`

	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"completed_at,omitempty"`

	TotalRecords      int `json:"total_records"`
	ProcessedRecords  int `json:"processed_records"`
	SuccessfulRecords int `json:"successful_records"`
	FailedRecords     int `json:"failed_records"`

	ErrorMessage string `json:"error_message,omitempty"`

	InputHandle  string `json:"input_handle,omitempty"`
	OutputHandle string `json:"output_handle,omitempty"`

	Config JobConfig `json:"config"`

	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// Progress returns completion in percent.
func (j BatchJob) Progress() float64 {
	if j.TotalRecords == 0 {
		return 0
	}
	return float64(j.ProcessedRecords) / float64(j.TotalRecords) * 100
}

// RecordStatus classifies one processed batch record.
type RecordStatus string

const (
	RecordSuccess RecordStatus = "success"
	RecordNoMatch RecordStatus = "no_match"
	RecordError   RecordStatus = "error"
)

// RecordOutcome is one line of a job's append-only result stream.
type RecordOutcome struct {
	RecordID         string         `json:"record_id"`
	IdentityKey      string         `json:"identity_id,omitempty"`
	Confidence       *float64       `json:"confidence,omitempty"`
	MatchType        MatchType      `json:"match_type,omitempty"`
	Status           RecordStatus   `json:"status"`
	Error            string         `json:"error,omitempty"`
	ProcessingTimeMS int64          `json:"processing_time_ms,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}
