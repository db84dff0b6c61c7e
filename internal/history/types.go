package history

import "time"

// Status is the outcome recorded for a job.
type Status string

const (
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
)

// Job is one row of print history.
type Job struct {
	ID       string `json:"job_id"`
	Filename string `json:"filename"`
	Status   Status `json:"status"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`

	// PrintDuration excludes time spent paused; TotalDuration does not.
	PrintDuration  time.Duration `json:"print_duration"`
	TotalDuration  time.Duration `json:"total_duration"`
	PausedDuration time.Duration `json:"paused_duration"`

	TotalLayers  int            `json:"total_layers"`
	Progress     float64        `json:"progress"`
	FilamentUsed float64        `json:"filament_used"`
	Metadata     map[string]any `json:"metadata"`
}

// Order of a listing by start time.
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// Filter selects jobs for List.
type Filter struct {
	Limit  int // default 50, max 500
	Offset int

	// Before and Since bound the start time, exclusive. Zero means unbounded.
	Before time.Time
	Since  time.Time

	Order Order // default OrderDesc
}

// ListResult is one page of jobs plus the number matching the filter.
type ListResult struct {
	Count int   `json:"count"`
	Jobs  []Job `json:"jobs"`
}

// Totals aggregates completed jobs.
type Totals struct {
	TotalJobs      int           `json:"total_jobs"`
	TotalTime      time.Duration `json:"total_time"`
	TotalPrintTime time.Duration `json:"total_print_time"`
	TotalFilament  float64       `json:"total_filament_used"`
	LongestJob     time.Duration `json:"longest_job"`
	LongestPrint   time.Duration `json:"longest_print"`
}
