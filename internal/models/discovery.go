package models

import "time"

// DiscoveredFile is one unique (fileUrl, discoveryDate) observation under a
// configuration. The store enforces uniqueness on
// (ClientID, ConfigurationID, FileURL, DiscoveryDate); a duplicate insert is
// the idempotency mechanism, not an error.
type DiscoveredFile struct {
	ID              string `json:"id"`
	ClientID        string `json:"clientId"`
	ConfigurationID string `json:"configurationId"`
	ExecutionID     string `json:"executionId"`

	FileURL  string `json:"fileUrl"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`

	// DiscoveryDate is the UTC calendar date (yyyy-mm-dd) of the scheduled
	// instant, not of the moment the listing returned. A slow listing that
	// crosses midnight must not split one check into two discovery dates.
	DiscoveryDate string    `json:"discoveryDate"`
	DiscoveredAt  time.Time `json:"discoveredAt"`
}

// DiscoveryDateOf formats the UTC calendar date used as part of the
// discovery uniqueness key.
func DiscoveryDateOf(scheduled time.Time) string {
	return scheduled.UTC().Format("2006-01-02")
}

// ProcessedFileRecord is written once per successfully downloaded file.
// Identity is DiscoveredFileID (1:1 with DiscoveredFile).
type ProcessedFileRecord struct {
	DiscoveredFileID string `json:"discoveredFileId"`
	ClientID         string `json:"clientId"`
	ConfigurationID  string `json:"configurationId"`
	ExecutionID      string `json:"executionId"`

	Filename            string    `json:"filename"`
	DownloadedSizeBytes int64     `json:"downloadedSizeBytes"`
	ChecksumAlgorithm   string    `json:"checksumAlgorithm"`
	ChecksumHex         string    `json:"checksumHex"`
	ProcessedAt         time.Time `json:"processedAt"`

	CorrelationID  string `json:"correlationId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}
