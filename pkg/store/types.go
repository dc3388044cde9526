package store

import (
	"time"
)

// JobStatus is the lifecycle state of a backfill job
type JobStatus string

const (
	JobPending            JobStatus = "pending"
	JobInProgress         JobStatus = "in_progress"
	JobCompleted          JobStatus = "completed"
	JobFailed             JobStatus = "failed"
	JobPartiallyCompleted JobStatus = "partially_completed"
)

// Terminal reports whether no further transitions happen without operator action
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobPartiallyCompleted
}

// Valid reports whether s is a known job status
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobInProgress, JobCompleted, JobFailed, JobPartiallyCompleted:
		return true
	}

	return false
}

// TaskStatus is the lifecycle state of a single fetch task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// Terminal reports whether the task will not run again on its own
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// SourceType tags the logical stream a raw record belongs to
type SourceType string

const (
	SourceTypeAPI            SourceType = "api"
	SourceTypeCSV            SourceType = "csv"
	SourceTypeManual         SourceType = "manual"
	SourceTypeAPIConsumption SourceType = "api_consumption"
)

// Valid reports whether t is a known source type
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeAPI, SourceTypeCSV, SourceTypeManual, SourceTypeAPIConsumption:
		return true
	}

	return false
}

// Resolution tags as stored in raw_records.period_type
const (
	PeriodPT60M = "PT60M"
	PeriodPT30M = "PT30M"
	PeriodPT15M = "PT15M"
)

// PeriodDuration returns the interval length for a resolution tag
func PeriodDuration(periodType string) (time.Duration, bool) {
	switch periodType {
	case PeriodPT60M:
		return time.Hour, true
	case PeriodPT30M:
		return 30 * time.Minute, true
	case PeriodPT15M:
		return 15 * time.Minute, true
	}

	return 0, false
}

// UnitSet selects generation units for a job. Ids and windfarms are unioned,
// then narrowed by Sources. An empty selector means every active unit.
type UnitSet struct {
	UnitIDs     []string `json:"unit_ids,omitempty"`
	WindfarmIDs []string `json:"windfarm_ids,omitempty"`
	Sources     []string `json:"sources,omitempty"`
}

// Progress is the task status snapshot the monitor keeps on a job
type Progress struct {
	Pending    int       `json:"pending"`
	InProgress int       `json:"in_progress"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Percent    float64   `json:"percent"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobMetadata holds typed job annotations plus a small escape hatch for
// provider specific audit values.
type JobMetadata struct {
	Sources  []string  `json:"sources,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
	// Cancelled marks an operator cancel; such a job is never retried
	Cancelled bool              `json:"cancelled,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Job is one backfill request
type Job struct {
	ID             string
	UnitSet        UnitSet
	StartDate      time.Time
	EndDate        time.Time
	Status         JobStatus
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	CreatedBy      string
	ErrorMessage   string
	QueueID        string
	Metadata       JobMetadata
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// Task is one (unit, source, chunk) unit of work owned by a job
type Task struct {
	ID             string
	JobID          string
	UnitID         string
	Source         string
	ChunkStart     time.Time
	ChunkEnd       time.Time
	Status         TaskStatus
	AttemptCount   int
	MaxAttempts    int
	RecordsFetched int
	ErrorMessage   string
	QueueID        string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// TaskCounts is the per-status task tally of a job
type TaskCounts struct {
	Pending    int
	InProgress int
	Completed  int
	Failed     int
	Skipped    int
}

// Total returns the number of tasks counted
func (c TaskCounts) Total() int {
	return c.Pending + c.InProgress + c.Completed + c.Failed + c.Skipped
}

// Active returns the number of tasks that have not reached a terminal state
func (c TaskCounts) Active() int {
	return c.Pending + c.InProgress
}

// GenerationUnit is a metered generation asset known to one source
type GenerationUnit struct {
	ID         string
	Code       string
	Name       string
	Source     string
	WindfarmID string
	CapacityMW float64
	Active     bool
}

// RawRecord is one observation from one source for one identifier and interval
type RawRecord struct {
	ID          string
	Source      string
	SourceType  SourceType
	Identifier  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	PeriodType  string
	Value       float64
	Unit        string
	Revision    int64
	Payload     map[string]any
	CorrectedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Quality flags how much of an hour the contributing records covered
type Quality string

const (
	QualityComplete Quality = "complete"
	QualityPartial  Quality = "partial"
)

// AggregateRecord is the canonical hourly value for one unit and source
type AggregateRecord struct {
	ID             string
	Hour           time.Time
	UnitID         string
	Source         string
	Value          float64
	CapacityMW     float64
	CapacityFactor *float64
	Quality        Quality
	RecordCount    int
	RawIDs         []string
	UpdatedAt      time.Time
}

// AnomalyStatus is the operator review state of an anomaly
type AnomalyStatus string

const (
	AnomalyPending       AnomalyStatus = "pending"
	AnomalyInvestigating AnomalyStatus = "investigating"
	AnomalyResolved      AnomalyStatus = "resolved"
	AnomalyFalsePositive AnomalyStatus = "false_positive"
	AnomalyIgnored       AnomalyStatus = "ignored"
)

// Valid reports whether s is a known anomaly status
func (s AnomalyStatus) Valid() bool {
	switch s {
	case AnomalyPending, AnomalyInvestigating, AnomalyResolved, AnomalyFalsePositive, AnomalyIgnored:
		return true
	}

	return false
}

// Anomaly is a persisted problematic period awaiting review
type Anomaly struct {
	ID              string
	UnitID          string
	Source          string
	Type            string
	Severity        string
	Status          AnomalyStatus
	PeriodStart     time.Time
	PeriodEnd       time.Time
	PeakValue       float64
	Description     string
	ResolutionNotes string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
