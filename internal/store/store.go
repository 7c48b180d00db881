// Package store defines the repository contracts for configurations,
// executions, discovered files and processed-file records, plus the shared
// error sentinels. Every query takes clientId as its leading parameter;
// implementations must refuse cross-partition scans. The single sanctioned
// cross-partition read is ConfigurationStore.GetAllActive, used only by the
// scheduler.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/filescout/filescout/internal/models"
)

// Store error sentinels.
var (
	// ErrConflict signals an insert against an existing identity.
	ErrConflict = errors.New("record already exists")

	// ErrPreconditionFailed signals an ETag mismatch on update or delete.
	ErrPreconditionFailed = errors.New("etag mismatch")

	// ErrNotFound signals an update against a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrMissingPartitionKey signals a query without a clientId.
	ErrMissingPartitionKey = errors.New("clientId is required")
)

// MaxPageSize caps paginated reads.
const MaxPageSize = 100

// PageOptions controls paginated configuration queries.
type PageOptions struct {
	// PageSize is clamped to [1, MaxPageSize]; zero means MaxPageSize.
	PageSize int
	// ContinuationToken is opaque; pass the value from the previous page.
	ContinuationToken string
	// ProtocolFilter, when set, restricts results to one protocol.
	ProtocolFilter *models.Protocol
	// IsActiveFilter, when set, restricts results by the soft-delete flag.
	IsActiveFilter *bool
}

// ConfigurationPage is one page of configurations, newest first.
type ConfigurationPage struct {
	Items             []*models.RetrievalConfiguration
	ContinuationToken string
}

// ExecutionPage is one page of executions, newest first.
type ExecutionPage struct {
	Items             []*models.Execution
	ContinuationToken string
}

// ConfigurationStore persists retrieval configurations, partitioned by
// clientId.
type ConfigurationStore interface {
	// Create inserts a new configuration. ErrConflict when the identity
	// already exists.
	Create(ctx context.Context, cfg *models.RetrievalConfiguration) (*models.RetrievalConfiguration, error)

	// GetByID returns one configuration, or (nil, nil) on miss.
	GetByID(ctx context.Context, clientID, configurationID string) (*models.RetrievalConfiguration, error)

	// GetByClientPaginated returns configurations for one client ordered by
	// createdAt descending.
	GetByClientPaginated(ctx context.Context, clientID string, opts PageOptions) (*ConfigurationPage, error)

	// GetAllActive returns every active configuration across all clients.
	// Scheduler use only.
	GetAllActive(ctx context.Context) ([]*models.RetrievalConfiguration, error)

	// Update persists cfg. The cfg.ETag must match the stored record or
	// ErrPreconditionFailed is returned. On success the stored record with
	// its fresh ETag is returned.
	Update(ctx context.Context, cfg *models.RetrievalConfiguration) (*models.RetrievalConfiguration, error)

	// SoftDelete sets isActive=false via an ETag-checked update.
	SoftDelete(ctx context.Context, clientID, configurationID, etag, deletedBy string) error
}

// ExecutionStore persists file-check execution records.
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.Execution) (*models.Execution, error)
	Update(ctx context.Context, exec *models.Execution) (*models.Execution, error)
	GetByID(ctx context.Context, clientID, configurationID, executionID string) (*models.Execution, error)
	ListForRange(ctx context.Context, clientID, configurationID string, from, to time.Time) ([]*models.Execution, error)
	ListPaginated(ctx context.Context, clientID, configurationID string, opts PageOptions) (*ExecutionPage, error)
}

// DiscoveryStore is the append-only record of discovered files. Uniqueness
// on (clientId, configurationId, fileUrl, discoveryDate) is the at-most-once
// discovery guarantee; it must be a linearizable unique-key insert.
type DiscoveryStore interface {
	// Create inserts a discovery. On a duplicate key it returns (nil, nil):
	// the duplicate is the idempotency contract, not an error.
	Create(ctx context.Context, d *models.DiscoveredFile) (*models.DiscoveredFile, error)

	// Exists pre-checks the uniqueness key.
	Exists(ctx context.Context, clientID, configurationID, fileURL, discoveryDate string) (bool, error)

	ListByExecution(ctx context.Context, clientID, configurationID, executionID string) ([]*models.DiscoveredFile, error)
	ListByConfiguration(ctx context.Context, clientID, configurationID string, limit int) ([]*models.DiscoveredFile, error)
}

// ProcessedFilter narrows ListByConfiguration on the processed-record store.
type ProcessedFilter struct {
	FilenameFilter string
	ExecutionID    string
}

// ProcessedStore records one row per successfully downloaded file, keyed by
// discoveredFileId.
type ProcessedStore interface {
	// Create inserts a processed record. On a duplicate discoveredFileId it
	// returns (nil, nil), signalling the caller to skip event re-emission.
	Create(ctx context.Context, rec *models.ProcessedFileRecord) (*models.ProcessedFileRecord, error)

	ListByConfiguration(ctx context.Context, clientID, configurationID string, limit int, filter ProcessedFilter) ([]*models.ProcessedFileRecord, error)
}

// Stores bundles the four repositories for wiring.
type Stores struct {
	Configurations ConfigurationStore
	Executions     ExecutionStore
	Discoveries    DiscoveryStore
	Processed      ProcessedStore
}

func clampPageSize(n int) int {
	if n <= 0 || n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
