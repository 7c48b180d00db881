package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope carries the fields every bus message must have. Commands and
// events embed it.
type Envelope struct {
	MessageID      string    `json:"messageId"`
	CorrelationID  string    `json:"correlationId"`
	OccurredUTC    time.Time `json:"occurredUtc"`
	IdempotencyKey string    `json:"idempotencyKey"`
	ClientID       string    `json:"clientId"`
}

// NewEnvelope stamps a fresh envelope. An empty correlationId gets a new
// one so correlation is never lost mid-chain.
func NewEnvelope(clientID, correlationID, idempotencyKey string) Envelope {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Envelope{
		MessageID:      uuid.NewString(),
		CorrelationID:  correlationID,
		OccurredUTC:    time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
		ClientID:       clientID,
	}
}

// DeriveIdempotencyKey produces the deterministic key for a logical effect,
// independent of delivery count. Callers pass the identity tuple of the
// effect, e.g. (clientId, configurationId, executionId, discoveredFileId).
func DeriveIdempotencyKey(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

// ---------------------------------------------------------------------------
// Commands (imperative, verb + noun)
// ---------------------------------------------------------------------------

// CreateConfiguration creates a new retrieval configuration for a client.
type CreateConfiguration struct {
	Envelope
	ConfigurationID string           `json:"configurationId"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Protocol        Protocol         `json:"protocol"`
	Settings        ProtocolSettings `json:"protocolSettings"`
	FilePathPattern string           `json:"filePathPattern"`
	FilenamePattern string           `json:"filenamePattern"`
	FileExtension   string           `json:"fileExtension,omitempty"`
	Schedule        Schedule         `json:"schedule"`
	CreatedBy       string           `json:"createdBy"`
}

// UpdateConfiguration replaces the body of an existing configuration.
// ETag must match the stored record or the update fails.
type UpdateConfiguration struct {
	Envelope
	ConfigurationID string           `json:"configurationId"`
	ETag            string           `json:"etag"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Protocol        Protocol         `json:"protocol"`
	Settings        ProtocolSettings `json:"protocolSettings"`
	FilePathPattern string           `json:"filePathPattern"`
	FilenamePattern string           `json:"filenamePattern"`
	FileExtension   string           `json:"fileExtension,omitempty"`
	Schedule        Schedule         `json:"schedule"`
	ModifiedBy      string           `json:"modifiedBy"`
}

// DeleteConfiguration soft-deletes a configuration (ETag-checked).
type DeleteConfiguration struct {
	Envelope
	ConfigurationID string `json:"configurationId"`
	ETag            string `json:"etag"`
	DeletedBy       string `json:"deletedBy"`
}

// ExecuteFileCheck triggers one file-check run for a configuration.
type ExecuteFileCheck struct {
	Envelope
	ConfigurationID        string    `json:"configurationId"`
	ScheduledExecutionTime time.Time `json:"scheduledExecutionTime"`
	IsManualTrigger        bool      `json:"isManualTrigger"`
}

// ProcessDiscoveredFile downloads and checksums one discovered file.
type ProcessDiscoveredFile struct {
	Envelope
	ConfigurationID  string   `json:"configurationId"`
	ExecutionID      string   `json:"executionId"`
	DiscoveredFileID string   `json:"discoveredFileId"`
	FileURL          string   `json:"fileUrl"`
	Filename         string   `json:"filename"`
	Protocol         Protocol `json:"protocol"`
}

// ---------------------------------------------------------------------------
// Events (past tense, noun + verb-past)
// ---------------------------------------------------------------------------

// ConfigurationCreated is published after a successful create.
type ConfigurationCreated struct {
	Envelope
	ConfigurationID string   `json:"configurationId"`
	Name            string   `json:"name"`
	Protocol        Protocol `json:"protocol"`
	CreatedBy       string   `json:"createdBy"`
}

// ConfigurationUpdated is published after a successful update.
type ConfigurationUpdated struct {
	Envelope
	ConfigurationID string `json:"configurationId"`
	Name            string `json:"name"`
	ModifiedBy      string `json:"modifiedBy"`
}

// ConfigurationDeleted is published after a successful soft-delete.
type ConfigurationDeleted struct {
	Envelope
	ConfigurationID string `json:"configurationId"`
	DeletedBy       string `json:"deletedBy"`
}

// FileCheckTriggered is published when a check starts.
type FileCheckTriggered struct {
	Envelope
	ConfigurationID        string    `json:"configurationId"`
	ExecutionID            string    `json:"executionId"`
	ConfigurationName      string    `json:"configurationName"`
	Protocol               Protocol  `json:"protocol"`
	ScheduledExecutionTime time.Time `json:"scheduledExecutionTime"`
	IsManualTrigger        bool      `json:"isManualTrigger"`
	TriggeredBy            string    `json:"triggeredBy"`
}

// FileCheckCompleted is published when a check finishes successfully.
type FileCheckCompleted struct {
	Envelope
	ConfigurationID         string `json:"configurationId"`
	ExecutionID             string `json:"executionId"`
	FilesFound              int    `json:"filesFound"`
	FilesProcessed          int    `json:"filesProcessed"`
	DurationMs              int64  `json:"durationMs"`
	ResolvedFilePathPattern string `json:"resolvedFilePathPattern"`
	ResolvedFilenamePattern string `json:"resolvedFilenamePattern"`
}

// FileCheckFailed is published when a check fails or cannot run.
type FileCheckFailed struct {
	Envelope
	ConfigurationID string        `json:"configurationId"`
	ExecutionID     string        `json:"executionId,omitempty"`
	ErrorMessage    string        `json:"errorMessage"`
	ErrorCategory   ErrorCategory `json:"errorCategory"`
	DurationMs      int64         `json:"durationMs"`
	RetryCount      int           `json:"retryCount"`
}

// FileDiscovered is published once per newly discovered file.
type FileDiscovered struct {
	Envelope
	ConfigurationID  string    `json:"configurationId"`
	ExecutionID      string    `json:"executionId"`
	DiscoveredFileID string    `json:"discoveredFileId"`
	FileURL          string    `json:"fileUrl"`
	Filename         string    `json:"filename"`
	Size             int64     `json:"size"`
	Protocol         Protocol  `json:"protocol"`
	DiscoveredAt     time.Time `json:"discoveredAt"`
}

// DiscoveredFileProcessed is published once per downloaded + checksummed file.
type DiscoveredFileProcessed struct {
	Envelope
	ConfigurationID     string `json:"configurationId"`
	ExecutionID         string `json:"executionId"`
	DiscoveredFileID    string `json:"discoveredFileId"`
	DownloadedSizeBytes int64  `json:"downloadedSizeBytes"`
	ChecksumAlgorithm   string `json:"checksumAlgorithm"`
	ChecksumHex         string `json:"checksumHex"`
}
