package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filescout/filescout/internal/models"
)

// NewMemoryStores returns in-memory implementations of all four
// repositories. Used for tests and single-process local runs; semantics
// (partition scoping, ETags, unique-key inserts) match the table-backed
// implementation.
func NewMemoryStores() *Stores {
	return &Stores{
		Configurations: &memoryConfigurationStore{records: make(map[string]map[string]*models.RetrievalConfiguration)},
		Executions:     &memoryExecutionStore{records: make(map[string]map[string]*models.Execution)},
		Discoveries:    &memoryDiscoveryStore{records: make(map[string]*models.DiscoveredFile)},
		Processed:      &memoryProcessedStore{records: make(map[string]*models.ProcessedFileRecord)},
	}
}

func newETag() string { return uuid.NewString() }

func encodeContinuation(offset int) string {
	if offset <= 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeContinuation(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("invalid continuation token: %w", err)
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid continuation token")
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Configurations
// ---------------------------------------------------------------------------

type memoryConfigurationStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*models.RetrievalConfiguration // clientID -> configID -> record
}

func (s *memoryConfigurationStore) Create(_ context.Context, cfg *models.RetrievalConfiguration) (*models.RetrievalConfiguration, error) {
	if cfg.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	partition, ok := s.records[cfg.ClientID]
	if !ok {
		partition = make(map[string]*models.RetrievalConfiguration)
		s.records[cfg.ClientID] = partition
	}
	if _, exists := partition[cfg.ConfigurationID]; exists {
		return nil, models.NewCategorizedError(models.ErrorCategoryConflict, ErrConflict)
	}

	stored := cfg.Clone()
	stored.ETag = newETag()
	partition[cfg.ConfigurationID] = stored
	return stored.Clone(), nil
}

func (s *memoryConfigurationStore) GetByID(_ context.Context, clientID, configurationID string) (*models.RetrievalConfiguration, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.records[clientID][configurationID]
	if !ok {
		return nil, nil
	}
	return cfg.Clone(), nil
}

func (s *memoryConfigurationStore) GetByClientPaginated(_ context.Context, clientID string, opts PageOptions) (*ConfigurationPage, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	offset, err := decodeContinuation(opts.ContinuationToken)
	if err != nil {
		return nil, err
	}
	pageSize := clampPageSize(opts.PageSize)

	s.mu.RLock()
	matched := make([]*models.RetrievalConfiguration, 0, len(s.records[clientID]))
	for _, cfg := range s.records[clientID] {
		if opts.ProtocolFilter != nil && cfg.Protocol != *opts.ProtocolFilter {
			continue
		}
		if opts.IsActiveFilter != nil && cfg.IsActive != *opts.IsActiveFilter {
			continue
		}
		matched = append(matched, cfg.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return &ConfigurationPage{}, nil
	}
	end := offset + pageSize
	token := ""
	if end < len(matched) {
		token = encodeContinuation(end)
	} else {
		end = len(matched)
	}
	return &ConfigurationPage{Items: matched[offset:end], ContinuationToken: token}, nil
}

func (s *memoryConfigurationStore) GetAllActive(_ context.Context) ([]*models.RetrievalConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*models.RetrievalConfiguration
	for _, partition := range s.records {
		for _, cfg := range partition {
			if cfg.IsActive {
				active = append(active, cfg.Clone())
			}
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].ClientID != active[j].ClientID {
			return active[i].ClientID < active[j].ClientID
		}
		return active[i].ConfigurationID < active[j].ConfigurationID
	})
	return active, nil
}

func (s *memoryConfigurationStore) Update(_ context.Context, cfg *models.RetrievalConfiguration) (*models.RetrievalConfiguration, error) {
	if cfg.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[cfg.ClientID][cfg.ConfigurationID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.ETag != cfg.ETag {
		return nil, models.NewCategorizedError(models.ErrorCategoryPreconditionFailed, ErrPreconditionFailed)
	}

	stored := cfg.Clone()
	stored.ETag = newETag()
	s.records[cfg.ClientID][cfg.ConfigurationID] = stored
	return stored.Clone(), nil
}

func (s *memoryConfigurationStore) SoftDelete(ctx context.Context, clientID, configurationID, etag, deletedBy string) error {
	cfg, err := s.GetByID(ctx, clientID, configurationID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return ErrNotFound
	}
	cfg.ETag = etag
	cfg.IsActive = false
	cfg.ModifiedBy = deletedBy
	cfg.ModifiedAt = time.Now().UTC()
	_, err = s.Update(ctx, cfg)
	return err
}

// ---------------------------------------------------------------------------
// Executions
// ---------------------------------------------------------------------------

type memoryExecutionStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*models.Execution // clientID/configID -> execID -> record
}

func execPartition(clientID, configurationID string) string {
	return clientID + "/" + configurationID
}

func cloneExecution(e *models.Execution) *models.Execution {
	out := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (s *memoryExecutionStore) Create(_ context.Context, exec *models.Execution) (*models.Execution, error) {
	if exec.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := execPartition(exec.ClientID, exec.ConfigurationID)
	partition, ok := s.records[key]
	if !ok {
		partition = make(map[string]*models.Execution)
		s.records[key] = partition
	}
	if _, exists := partition[exec.ExecutionID]; exists {
		return nil, models.NewCategorizedError(models.ErrorCategoryConflict, ErrConflict)
	}

	stored := cloneExecution(exec)
	stored.ETag = newETag()
	partition[exec.ExecutionID] = stored
	return cloneExecution(stored), nil
}

func (s *memoryExecutionStore) Update(_ context.Context, exec *models.Execution) (*models.Execution, error) {
	if exec.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	partition := s.records[execPartition(exec.ClientID, exec.ConfigurationID)]
	current, ok := partition[exec.ExecutionID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.ETag != exec.ETag {
		return nil, models.NewCategorizedError(models.ErrorCategoryPreconditionFailed, ErrPreconditionFailed)
	}

	stored := cloneExecution(exec)
	stored.ETag = newETag()
	partition[exec.ExecutionID] = stored
	return cloneExecution(stored), nil
}

func (s *memoryExecutionStore) GetByID(_ context.Context, clientID, configurationID, executionID string) (*models.Execution, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.records[execPartition(clientID, configurationID)][executionID]
	if !ok {
		return nil, nil
	}
	return cloneExecution(exec), nil
}

func (s *memoryExecutionStore) ListForRange(_ context.Context, clientID, configurationID string, from, to time.Time) ([]*models.Execution, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Execution
	for _, exec := range s.records[execPartition(clientID, configurationID)] {
		if exec.StartedAt.Before(from) || exec.StartedAt.After(to) {
			continue
		}
		out = append(out, cloneExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *memoryExecutionStore) ListPaginated(_ context.Context, clientID, configurationID string, opts PageOptions) (*ExecutionPage, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	offset, err := decodeContinuation(opts.ContinuationToken)
	if err != nil {
		return nil, err
	}
	pageSize := clampPageSize(opts.PageSize)

	s.mu.RLock()
	all := make([]*models.Execution, 0, len(s.records[execPartition(clientID, configurationID)]))
	for _, exec := range s.records[execPartition(clientID, configurationID)] {
		all = append(all, cloneExecution(exec))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	if offset >= len(all) {
		return &ExecutionPage{}, nil
	}
	end := offset + pageSize
	token := ""
	if end < len(all) {
		token = encodeContinuation(end)
	} else {
		end = len(all)
	}
	return &ExecutionPage{Items: all[offset:end], ContinuationToken: token}, nil
}

// ---------------------------------------------------------------------------
// Discovered files
// ---------------------------------------------------------------------------

type memoryDiscoveryStore struct {
	mu      sync.Mutex
	records map[string]*models.DiscoveredFile // uniqueness key -> record
}

func discoveryKey(clientID, configurationID, fileURL, discoveryDate string) string {
	return strings.Join([]string{clientID, configurationID, fileURL, discoveryDate}, "|")
}

func (s *memoryDiscoveryStore) Create(_ context.Context, d *models.DiscoveredFile) (*models.DiscoveredFile, error) {
	if d.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := discoveryKey(d.ClientID, d.ConfigurationID, d.FileURL, d.DiscoveryDate)
	if _, exists := s.records[key]; exists {
		return nil, nil // duplicate insert is silent success
	}

	stored := *d
	s.records[key] = &stored
	out := stored
	return &out, nil
}

func (s *memoryDiscoveryStore) Exists(_ context.Context, clientID, configurationID, fileURL, discoveryDate string) (bool, error) {
	if clientID == "" {
		return false, ErrMissingPartitionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.records[discoveryKey(clientID, configurationID, fileURL, discoveryDate)]
	return ok, nil
}

func (s *memoryDiscoveryStore) ListByExecution(_ context.Context, clientID, configurationID, executionID string) ([]*models.DiscoveredFile, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.DiscoveredFile
	for _, d := range s.records {
		if d.ClientID == clientID && d.ConfigurationID == configurationID && d.ExecutionID == executionID {
			copied := *d
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileURL < out[j].FileURL })
	return out, nil
}

func (s *memoryDiscoveryStore) ListByConfiguration(_ context.Context, clientID, configurationID string, limit int) ([]*models.DiscoveredFile, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.DiscoveredFile
	for _, d := range s.records {
		if d.ClientID == clientID && d.ConfigurationID == configurationID {
			copied := *d
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscoveredAt.After(out[j].DiscoveredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Processed-file records
// ---------------------------------------------------------------------------

type memoryProcessedStore struct {
	mu      sync.Mutex
	records map[string]*models.ProcessedFileRecord // discoveredFileID -> record
}

func (s *memoryProcessedStore) Create(_ context.Context, rec *models.ProcessedFileRecord) (*models.ProcessedFileRecord, error) {
	if rec.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.DiscoveredFileID]; exists {
		return nil, nil // duplicate insert is silent success
	}

	stored := *rec
	s.records[rec.DiscoveredFileID] = &stored
	out := stored
	return &out, nil
}

func (s *memoryProcessedStore) ListByConfiguration(_ context.Context, clientID, configurationID string, limit int, filter ProcessedFilter) ([]*models.ProcessedFileRecord, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ProcessedFileRecord
	for _, rec := range s.records {
		if rec.ClientID != clientID || rec.ConfigurationID != configurationID {
			continue
		}
		if filter.ExecutionID != "" && rec.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.FilenameFilter != "" && !containsFold(rec.Filename, filter.FilenameFilter) {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.After(out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
