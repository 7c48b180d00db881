package models

import (
	"errors"
	"strings"
	"time"
)

// Configuration validation errors.
var (
	ErrMissingClientID        = errors.New("clientId is required")
	ErrMissingConfigurationID = errors.New("configurationId is required")
	ErrMissingName            = errors.New("name is required")
	ErrMissingFilePathPattern = errors.New("filePathPattern is required")
	ErrMissingFilenamePattern = errors.New("filenamePattern is required")
	ErrMissingSchedule        = errors.New("schedule is required")
	ErrInvalidProtocol        = errors.New("unknown protocol tag")
)

// Schedule is a cron expression plus the timezone it is evaluated in.
type Schedule struct {
	CronExpression string `json:"cronExpression"`
	Timezone       string `json:"timezone"`
	Description    string `json:"description,omitempty"`
}

// RetrievalConfiguration describes a remote location, a file match pattern
// and a schedule for one tenant. Partition key is ClientID.
type RetrievalConfiguration struct {
	ClientID        string           `json:"clientId"`
	ConfigurationID string           `json:"configurationId"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Protocol        Protocol         `json:"protocol"`
	Settings        ProtocolSettings `json:"settings"`

	// Patterns may contain date tokens in the path and filename portions
	// only, never in the host portion of any URL.
	FilePathPattern string `json:"filePathPattern"`
	FilenamePattern string `json:"filenamePattern"`
	FileExtension   string `json:"fileExtension,omitempty"`

	Schedule Schedule `json:"schedule"`

	// IsActive is the soft-delete flag. Deleted configurations are retained
	// for history and skipped by the scheduler.
	IsActive bool `json:"isActive"`

	CreatedAt  time.Time `json:"createdAt"`
	CreatedBy  string    `json:"createdBy,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
	ModifiedBy string    `json:"modifiedBy,omitempty"`

	LastExecutedAt   *time.Time `json:"lastExecutedAt,omitempty"`
	NextScheduledRun *time.Time `json:"nextScheduledRun,omitempty"`

	// ETag is the opaque concurrency token; updated on every write.
	ETag string `json:"etag,omitempty"`
}

// Validate checks structural invariants of the configuration. Cron and
// timezone validity and token placement are checked by the validation
// package, which has the schedule evaluator in scope.
func (c *RetrievalConfiguration) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return ErrMissingClientID
	}
	if strings.TrimSpace(c.ConfigurationID) == "" {
		return ErrMissingConfigurationID
	}
	if strings.TrimSpace(c.Name) == "" {
		return ErrMissingName
	}
	if !c.Protocol.Valid() {
		return ErrInvalidProtocol
	}
	if strings.TrimSpace(c.FilePathPattern) == "" {
		return ErrMissingFilePathPattern
	}
	if strings.TrimSpace(c.FilenamePattern) == "" {
		return ErrMissingFilenamePattern
	}
	if strings.TrimSpace(c.Schedule.CronExpression) == "" || strings.TrimSpace(c.Schedule.Timezone) == "" {
		return ErrMissingSchedule
	}
	return c.Settings.Validate(c.Protocol)
}

// Clone returns a deep-enough copy for store implementations that must not
// alias caller-held memory. Variant pointers are copied by value.
func (c *RetrievalConfiguration) Clone() *RetrievalConfiguration {
	out := *c
	if c.Settings.FTP != nil {
		ftp := *c.Settings.FTP
		out.Settings.FTP = &ftp
	}
	if c.Settings.HTTPS != nil {
		https := *c.Settings.HTTPS
		out.Settings.HTTPS = &https
	}
	if c.Settings.AzureBlob != nil {
		az := *c.Settings.AzureBlob
		out.Settings.AzureBlob = &az
	}
	if c.LastExecutedAt != nil {
		t := *c.LastExecutedAt
		out.LastExecutedAt = &t
	}
	if c.NextScheduledRun != nil {
		t := *c.NextScheduledRun
		out.NextScheduledRun = &t
	}
	return &out
}
