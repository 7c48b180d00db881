package models

import "time"

// ExecutionStatus is the lifecycle state of a single file-check attempt.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "Pending"
	ExecutionStatusRunning   ExecutionStatus = "Running"
	ExecutionStatusCompleted ExecutionStatus = "Completed"
	ExecutionStatusFailed    ExecutionStatus = "Failed"
)

// IsTerminal reports whether the execution has reached a final state.
// Terminal records are immutable except for RetryCount.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Execution records one file-check attempt for a configuration.
// Identity is (ClientID, ConfigurationID, ExecutionID).
type Execution struct {
	ClientID        string `json:"clientId"`
	ConfigurationID string `json:"configurationId"`
	ExecutionID     string `json:"executionId"`

	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`

	// Scheduled instant the check ran for; drives token expansion and the
	// discovery date.
	ScheduledExecutionTime time.Time `json:"scheduledExecutionTime"`

	FilesFound     int `json:"filesFound"`
	FilesProcessed int `json:"filesProcessed"`

	// Patterns after token expansion, recorded for operators.
	ResolvedFilePathPattern string `json:"resolvedFilePathPattern,omitempty"`
	ResolvedFilenamePattern string `json:"resolvedFilenamePattern,omitempty"`

	DurationMs int64 `json:"durationMs"`
	RetryCount int   `json:"retryCount"`

	ErrorMessage  string        `json:"errorMessage,omitempty"`
	ErrorCategory ErrorCategory `json:"errorCategory,omitempty"`

	ETag string `json:"etag,omitempty"`
}

// RemoteFile is one entry returned by a protocol adapter listing.
type RemoteFile struct {
	FileURL      string    `json:"fileUrl"`
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// ExecutionResult is the outcome of a single file-check pipeline run.
type ExecutionResult struct {
	ExecutionID             string
	Success                 bool
	FilesFound              int
	FilesProcessed          int
	DiscoveredFiles         []*DiscoveredFile
	ResolvedFilePathPattern string
	ResolvedFilenamePattern string
	Duration                time.Duration
	ErrorMessage            string
	ErrorCategory           ErrorCategory
}
