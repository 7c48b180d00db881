package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/filescout/filescout/internal/models"
)

// Table names for the four logical collections.
const (
	TableConfigurations = "configurations"
	TableExecutions     = "executions"
	TableDiscoveries    = "discoveredfiles"
	TableProcessed      = "processedfiles"
)

// NewTableStores returns Azure Table Storage backed implementations of the
// four repositories. PartitionKey carries the clientId (or the composite
// clientId|configurationId for execution-scoped collections), so every
// query stays inside one partition. The service ETag backs optimistic
// concurrency, and AddEntity's conflict response backs the unique-key
// insert the discovery contract relies on.
//
// Expired-record cleanup (the 90-day retention on executions and
// discoveries) is an operational sweep, not enforced here.
func NewTableStores(svc *aztables.ServiceClient) *Stores {
	return &Stores{
		Configurations: &tableConfigurationStore{client: svc.NewClient(TableConfigurations)},
		Executions:     &tableExecutionStore{client: svc.NewClient(TableExecutions)},
		Discoveries:    &tableDiscoveryStore{client: svc.NewClient(TableDiscoveries)},
		Processed:      &tableProcessedStore{client: svc.NewClient(TableProcessed)},
	}
}

// NewTableStoresFromConnectionString builds table stores from a storage
// connection string.
func NewTableStoresFromConnectionString(connectionString string) (*Stores, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create table service client: %w", err)
	}
	return NewTableStores(svc), nil
}

func statusOf(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func compositeKey(clientID, configurationID string) string {
	return clientID + "|" + configurationID
}

// rowHash derives a fixed-width row key from variable-length identity parts
// (file URLs may exceed row key limits and contain illegal characters).
func rowHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// marshalEntity wraps a domain object as an EDM entity with the payload in
// one JSON column plus the given filterable columns.
func marshalEntity(pk, rk string, payload any, columns map[string]any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	props := map[string]any{"Payload": string(raw)}
	for k, v := range columns {
		props[k] = v
	}
	entity := aztables.EDMEntity{
		Entity:     aztables.Entity{PartitionKey: pk, RowKey: rk},
		Properties: props,
	}
	return json.Marshal(entity)
}

func unmarshalPayload(entityJSON []byte, out any) error {
	var entity aztables.EDMEntity
	if err := json.Unmarshal(entityJSON, &entity); err != nil {
		return fmt.Errorf("failed to unmarshal entity: %w", err)
	}
	raw, ok := entity.Properties["Payload"].(string)
	if !ok {
		return fmt.Errorf("entity %s/%s has no payload", entity.PartitionKey, entity.RowKey)
	}
	return json.Unmarshal([]byte(raw), out)
}

func listAll(ctx context.Context, client *aztables.Client, filter string) ([][]byte, error) {
	options := &aztables.ListEntitiesOptions{}
	if filter != "" {
		options.Filter = &filter
	}
	pager := client.NewListEntitiesPager(options)

	var out [][]byte
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list entities: %w", err)
		}
		out = append(out, page.Entities...)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Configurations
// ---------------------------------------------------------------------------

type tableConfigurationStore struct {
	client *aztables.Client
}

func (s *tableConfigurationStore) Create(ctx context.Context, cfg *models.RetrievalConfiguration) (*models.RetrievalConfiguration, error) {
	if cfg.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	stored := cfg.Clone()
	stored.ETag = ""

	data, err := marshalEntity(cfg.ClientID, cfg.ConfigurationID, stored, map[string]any{
		"IsActive": stored.IsActive,
		"Protocol": string(stored.Protocol),
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.client.AddEntity(ctx, data, nil)
	if err != nil {
		if statusOf(err) == http.StatusConflict {
			return nil, models.NewCategorizedError(models.ErrorCategoryConflict, ErrConflict)
		}
		return nil, fmt.Errorf("failed to insert configuration: %w", err)
	}
	stored.ETag = string(resp.ETag)
	return stored, nil
}

func (s *tableConfigurationStore) GetByID(ctx context.Context, clientID, configurationID string) (*models.RetrievalConfiguration, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	resp, err := s.client.GetEntity(ctx, clientID, configurationID, nil)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	var cfg models.RetrievalConfiguration
	if err := unmarshalPayload(resp.Value, &cfg); err != nil {
		return nil, err
	}
	cfg.ETag = string(resp.ETag)
	return &cfg, nil
}

func (s *tableConfigurationStore) GetByClientPaginated(ctx context.Context, clientID string, opts PageOptions) (*ConfigurationPage, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	offset, err := decodeContinuation(opts.ContinuationToken)
	if err != nil {
		return nil, err
	}
	pageSize := clampPageSize(opts.PageSize)

	filter := fmt.Sprintf("PartitionKey eq '%s'", clientID)
	if opts.ProtocolFilter != nil {
		filter += fmt.Sprintf(" and Protocol eq '%s'", string(*opts.ProtocolFilter))
	}
	if opts.IsActiveFilter != nil {
		filter += fmt.Sprintf(" and IsActive eq %t", *opts.IsActiveFilter)
	}

	entities, err := listAll(ctx, s.client, filter)
	if err != nil {
		return nil, err
	}

	items := make([]*models.RetrievalConfiguration, 0, len(entities))
	for _, raw := range entities {
		var cfg models.RetrievalConfiguration
		if err := unmarshalPayload(raw, &cfg); err != nil {
			return nil, err
		}
		items = append(items, &cfg)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })

	if offset >= len(items) {
		return &ConfigurationPage{}, nil
	}
	end := offset + pageSize
	token := ""
	if end < len(items) {
		token = encodeContinuation(end)
	} else {
		end = len(items)
	}
	return &ConfigurationPage{Items: items[offset:end], ContinuationToken: token}, nil
}

func (s *tableConfigurationStore) GetAllActive(ctx context.Context) ([]*models.RetrievalConfiguration, error) {
	entities, err := listAll(ctx, s.client, "IsActive eq true")
	if err != nil {
		return nil, err
	}

	out := make([]*models.RetrievalConfiguration, 0, len(entities))
	for _, raw := range entities {
		var cfg models.RetrievalConfiguration
		if err := unmarshalPayload(raw, &cfg); err != nil {
			return nil, err
		}
		out = append(out, &cfg)
	}
	return out, nil
}

func (s *tableConfigurationStore) Update(ctx context.Context, cfg *models.RetrievalConfiguration) (*models.RetrievalConfiguration, error) {
	if cfg.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	stored := cfg.Clone()
	etag := azcore.ETag(cfg.ETag)
	stored.ETag = ""

	data, err := marshalEntity(cfg.ClientID, cfg.ConfigurationID, stored, map[string]any{
		"IsActive": stored.IsActive,
		"Protocol": string(stored.Protocol),
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.client.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeReplace,
	})
	if err != nil {
		switch statusOf(err) {
		case http.StatusPreconditionFailed:
			return nil, models.NewCategorizedError(models.ErrorCategoryPreconditionFailed, ErrPreconditionFailed)
		case http.StatusNotFound:
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update configuration: %w", err)
	}
	stored.ETag = string(resp.ETag)
	return stored, nil
}

func (s *tableConfigurationStore) SoftDelete(ctx context.Context, clientID, configurationID, etag, deletedBy string) error {
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

type tableExecutionStore struct {
	client *aztables.Client
}

func (s *tableExecutionStore) entityFor(exec *models.Execution) ([]byte, error) {
	stored := *exec
	stored.ETag = ""
	return marshalEntity(compositeKey(exec.ClientID, exec.ConfigurationID), exec.ExecutionID, &stored, map[string]any{
		"StartedAt": stored.StartedAt.UTC().Format(time.RFC3339Nano),
		"Status":    string(stored.Status),
	})
}

func (s *tableExecutionStore) Create(ctx context.Context, exec *models.Execution) (*models.Execution, error) {
	if exec.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	data, err := s.entityFor(exec)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.AddEntity(ctx, data, nil)
	if err != nil {
		if statusOf(err) == http.StatusConflict {
			return nil, models.NewCategorizedError(models.ErrorCategoryConflict, ErrConflict)
		}
		return nil, fmt.Errorf("failed to insert execution: %w", err)
	}
	out := *exec
	out.ETag = string(resp.ETag)
	return &out, nil
}

func (s *tableExecutionStore) Update(ctx context.Context, exec *models.Execution) (*models.Execution, error) {
	if exec.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	etag := azcore.ETag(exec.ETag)
	data, err := s.entityFor(exec)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeReplace,
	})
	if err != nil {
		switch statusOf(err) {
		case http.StatusPreconditionFailed:
			return nil, models.NewCategorizedError(models.ErrorCategoryPreconditionFailed, ErrPreconditionFailed)
		case http.StatusNotFound:
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}
	out := *exec
	out.ETag = string(resp.ETag)
	return &out, nil
}

func (s *tableExecutionStore) GetByID(ctx context.Context, clientID, configurationID, executionID string) (*models.Execution, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	resp, err := s.client.GetEntity(ctx, compositeKey(clientID, configurationID), executionID, nil)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read execution: %w", err)
	}

	var exec models.Execution
	if err := unmarshalPayload(resp.Value, &exec); err != nil {
		return nil, err
	}
	exec.ETag = string(resp.ETag)
	return &exec, nil
}

func (s *tableExecutionStore) list(ctx context.Context, clientID, configurationID, extraFilter string) ([]*models.Execution, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", compositeKey(clientID, configurationID))
	if extraFilter != "" {
		filter += " and " + extraFilter
	}
	entities, err := listAll(ctx, s.client, filter)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Execution, 0, len(entities))
	for _, raw := range entities {
		var exec models.Execution
		if err := unmarshalPayload(raw, &exec); err != nil {
			return nil, err
		}
		out = append(out, &exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *tableExecutionStore) ListForRange(ctx context.Context, clientID, configurationID string, from, to time.Time) ([]*models.Execution, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	extra := fmt.Sprintf("StartedAt ge '%s' and StartedAt le '%s'",
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	return s.list(ctx, clientID, configurationID, extra)
}

func (s *tableExecutionStore) ListPaginated(ctx context.Context, clientID, configurationID string, opts PageOptions) (*ExecutionPage, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	offset, err := decodeContinuation(opts.ContinuationToken)
	if err != nil {
		return nil, err
	}
	pageSize := clampPageSize(opts.PageSize)

	all, err := s.list(ctx, clientID, configurationID, "")
	if err != nil {
		return nil, err
	}
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

type tableDiscoveryStore struct {
	client *aztables.Client
}

func (s *tableDiscoveryStore) Create(ctx context.Context, d *models.DiscoveredFile) (*models.DiscoveredFile, error) {
	if d.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	// Row key is the hash of the uniqueness tuple; AddEntity's conflict
	// response is the linearizable unique-key insert the pipeline needs.
	rk := rowHash(d.FileURL, d.DiscoveryDate)
	data, err := marshalEntity(compositeKey(d.ClientID, d.ConfigurationID), rk, d, map[string]any{
		"ExecutionID": d.ExecutionID,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.client.AddEntity(ctx, data, nil); err != nil {
		if statusOf(err) == http.StatusConflict {
			return nil, nil // duplicate insert is silent success
		}
		return nil, fmt.Errorf("failed to insert discovery: %w", err)
	}
	out := *d
	return &out, nil
}

func (s *tableDiscoveryStore) Exists(ctx context.Context, clientID, configurationID, fileURL, discoveryDate string) (bool, error) {
	if clientID == "" {
		return false, ErrMissingPartitionKey
	}
	rk := rowHash(fileURL, discoveryDate)
	_, err := s.client.GetEntity(ctx, compositeKey(clientID, configurationID), rk, nil)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to probe discovery: %w", err)
	}
	return true, nil
}

func (s *tableDiscoveryStore) listFiltered(ctx context.Context, clientID, configurationID, extraFilter string) ([]*models.DiscoveredFile, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", compositeKey(clientID, configurationID))
	if extraFilter != "" {
		filter += " and " + extraFilter
	}
	entities, err := listAll(ctx, s.client, filter)
	if err != nil {
		return nil, err
	}

	out := make([]*models.DiscoveredFile, 0, len(entities))
	for _, raw := range entities {
		var d models.DiscoveredFile
		if err := unmarshalPayload(raw, &d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, nil
}

func (s *tableDiscoveryStore) ListByExecution(ctx context.Context, clientID, configurationID, executionID string) ([]*models.DiscoveredFile, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	out, err := s.listFiltered(ctx, clientID, configurationID, fmt.Sprintf("ExecutionID eq '%s'", executionID))
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileURL < out[j].FileURL })
	return out, nil
}

func (s *tableDiscoveryStore) ListByConfiguration(ctx context.Context, clientID, configurationID string, limit int) ([]*models.DiscoveredFile, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	out, err := s.listFiltered(ctx, clientID, configurationID, "")
	if err != nil {
		return nil, err
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

type tableProcessedStore struct {
	client *aztables.Client
}

func (s *tableProcessedStore) Create(ctx context.Context, rec *models.ProcessedFileRecord) (*models.ProcessedFileRecord, error) {
	if rec.ClientID == "" {
		return nil, ErrMissingPartitionKey
	}
	data, err := marshalEntity(compositeKey(rec.ClientID, rec.ConfigurationID), rec.DiscoveredFileID, rec, map[string]any{
		"ExecutionID": rec.ExecutionID,
		"Filename":    rec.Filename,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.client.AddEntity(ctx, data, nil); err != nil {
		if statusOf(err) == http.StatusConflict {
			return nil, nil // duplicate insert is silent success
		}
		return nil, fmt.Errorf("failed to insert processed record: %w", err)
	}
	out := *rec
	return &out, nil
}

func (s *tableProcessedStore) ListByConfiguration(ctx context.Context, clientID, configurationID string, limit int, pf ProcessedFilter) ([]*models.ProcessedFileRecord, error) {
	if clientID == "" {
		return nil, ErrMissingPartitionKey
	}
	extra := ""
	if pf.ExecutionID != "" {
		extra = fmt.Sprintf("ExecutionID eq '%s'", pf.ExecutionID)
	}
	filter := fmt.Sprintf("PartitionKey eq '%s'", compositeKey(clientID, configurationID))
	if extra != "" {
		filter += " and " + extra
	}
	entities, err := listAll(ctx, s.client, filter)
	if err != nil {
		return nil, err
	}

	out := make([]*models.ProcessedFileRecord, 0, len(entities))
	for _, raw := range entities {
		var rec models.ProcessedFileRecord
		if err := unmarshalPayload(raw, &rec); err != nil {
			return nil, err
		}
		if pf.FilenameFilter != "" && !containsFold(rec.Filename, pf.FilenameFilter) {
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.After(out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
