package idxr

import (
	"time"

	"github.com/google/uuid"
)

// Address is a postal address attached to an identity record.
type Address struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// Identity is a demographic record submitted for resolution. All fields
// are optional; the server scores quality and rejects only fully empty
// records.
type Identity struct {
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	MiddleName string `json:"middle_name,omitempty"`

	// DOB is an ISO date (YYYY-MM-DD); partial forms are accepted.
	DOB string `json:"dob,omitempty"`

	SSN           string `json:"ssn,omitempty"`
	SSNLast4      string `json:"ssn_last4,omitempty"`
	DriverLicense string `json:"driver_license,omitempty"`

	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`

	Address        Address   `json:"address,omitempty"`
	AddressHistory []Address `json:"address_history,omitempty"`

	Gender       string         `json:"gender,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	SourceSystem string         `json:"source_system,omitempty"`
}

// ResolveOptions tune a single resolution request.
type ResolveOptions struct {
	MatchThreshold        float64 `json:"match_threshold,omitempty"`
	MaxResults            int     `json:"max_results,omitempty"`
	RequireHighConfidence bool    `json:"require_high_confidence,omitempty"`
	TimeoutSeconds        int     `json:"timeout_seconds,omitempty"`
	Priority              string  `json:"priority,omitempty"` // "low", "normal", "high"
}

// ResolveRequest is the input for Client.Resolve.
type ResolveRequest struct {
	Demographics  Identity       `json:"demographic_data"`
	SourceSystem  string         `json:"source_system"`
	TransactionID string         `json:"transaction_id"`
	Options       ResolveOptions `json:"options,omitempty"`
}

// MatchCandidate is one ranked candidate in a resolution result.
type MatchCandidate struct {
	IdentityID    string         `json:"identity_id"`
	Confidence    float64        `json:"confidence_score"`
	MatchType     string         `json:"match_type"`
	MatchedFields []string       `json:"matched_fields,omitempty"`
	Details       map[string]any `json:"match_details,omitempty"`
}

// MatchResult is the output of Client.Resolve.
type MatchResult struct {
	RequestID        string           `json:"request_id"`
	Status           string           `json:"status"`
	Matches          []MatchCandidate `json:"matches"`
	ProcessingTimeMS int64            `json:"processing_time_ms"`
	QualityScore     float64          `json:"quality_score"`
	QualityBucket    string           `json:"quality_bucket,omitempty"`
	EdgeFlags        []string         `json:"edge_flags,omitempty"`
	RiskFactors      []string         `json:"risk_factors,omitempty"`
	CacheHit         bool             `json:"cache_hit,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// --- Batch types ---

// JobConfig carries per-job tuning knobs.
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

// SubmitJobRequest is the input for Client.SubmitJob.
type SubmitJobRequest struct {
	Name     string     `json:"name"`
	Type     string     `json:"job_type"`
	Priority string     `json:"priority,omitempty"`
	Records  []Identity `json:"records"`
	Config   JobConfig  `json:"config,omitempty"`
}

// SubmitJobResponse is the output of Client.SubmitJob.
type SubmitJobResponse struct {
	JobID               uuid.UUID  `json:"job_id"`
	Status              string     `json:"status"`
	TotalRecords        int        `json:"total_records"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// BatchJob is a job snapshot as returned by the job endpoints.
type BatchJob struct {
	ID       uuid.UUID `json:"job_id"`
	Name     string    `json:"name"`
	Type     string    `json:"job_type"`
	Status   string    `json:"status"`
	Priority string    `json:"priority"`

	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"completed_at,omitempty"`

	TotalRecords      int `json:"total_records"`
	ProcessedRecords  int `json:"processed_records"`
	SuccessfulRecords int `json:"successful_records"`
	FailedRecords     int `json:"failed_records"`

	ErrorMessage string `json:"error_message,omitempty"`

	Config JobConfig `json:"config"`

	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// RecordOutcome is the per-record result of a batch job.
type RecordOutcome struct {
	RecordID         string         `json:"record_id"`
	IdentityID       string         `json:"identity_id,omitempty"`
	Confidence       *float64       `json:"confidence,omitempty"`
	MatchType        string         `json:"match_type,omitempty"`
	Status           string         `json:"status"` // "success", "no_match", "error"
	Error            string         `json:"error,omitempty"`
	ProcessingTimeMS int64          `json:"processing_time_ms,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

// JobResultsPage is one page of batch job results.
type JobResultsPage struct {
	JobID   uuid.UUID       `json:"job_id"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
	Total   int             `json:"total_records"`
	Results []RecordOutcome `json:"results"`
}

// --- Household types ---

// HouseholdMember is one identity inside a household group.
type HouseholdMember struct {
	IdentityID       string   `json:"identity_id"`
	Relationship     string   `json:"relationship"`
	Confidence       float64  `json:"confidence_score"`
	Record           Identity `json:"record"`
	IsPrimaryContact bool     `json:"is_primary_contact,omitempty"`
	DependencyStatus string   `json:"dependency_status,omitempty"`
	GuardianID       string   `json:"guardian_id,omitempty"`
}

// Household groups identities sharing a normalized address.
type Household struct {
	ID             string            `json:"household_id"`
	Members        []HouseholdMember `json:"members"`
	PrimaryAddress Address           `json:"primary_address"`
	FormedAt       time.Time         `json:"formation_date"`
	UpdatedAt      time.Time         `json:"last_updated"`
	Size           int               `json:"household_size"`
	HasChildren    bool              `json:"has_children"`
	HasElderly     bool              `json:"has_elderly"`
	Type           string            `json:"household_type"`
}

// HouseholdStats aggregates across-household counts.
type HouseholdStats struct {
	TotalHouseholds  int            `json:"total_households"`
	TotalIndividuals int            `json:"total_individuals"`
	Types            map[string]int `json:"household_types"`
	AverageSize      float64        `json:"average_household_size"`
	WithChildren     int            `json:"households_with_children"`
	WithElderly      int            `json:"households_with_elderly"`
	SinglePerson     int            `json:"single_person_households"`
}

// HouseholdsResult is the output of Client.DetectHouseholds.
type HouseholdsResult struct {
	Households []Household    `json:"households"`
	Unassigned int            `json:"unassigned"`
	Statistics HouseholdStats `json:"statistics"`
}

// --- Operational types ---

// EngineStats is the output of Client.Statistics.
type EngineStats struct {
	TotalRequests     int64   `json:"total_requests"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	P95ResponseTimeMS float64 `json:"p95_response_time_ms"`
	P99ResponseTimeMS float64 `json:"p99_response_time_ms"`
	ErrorRate         float64 `json:"error_rate"`
	ThroughputRPS     float64 `json:"throughput_rps"`
	QueueDepth        int     `json:"queue_depth"`
	ActiveJobs        int     `json:"active_jobs"`
	QueuedJobs        int     `json:"queued_jobs"`
	UptimeHours       float64 `json:"uptime_hours"`
}

// HealthResponse is the output of Client.Health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Store       string `json:"store"`
	Semantic    string `json:"semantic,omitempty"`
	QueueDepth  int    `json:"queue_depth"`
	RunningJobs int    `json:"running_jobs"`
	Uptime      int64  `json:"uptime_seconds"`
}
