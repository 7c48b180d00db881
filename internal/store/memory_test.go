package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filescout/filescout/internal/models"
)

func testConfig(clientID, id string, createdAt time.Time) *models.RetrievalConfiguration {
	return &models.RetrievalConfiguration{
		ClientID:        clientID,
		ConfigurationID: id,
		Name:            "cfg " + id,
		Protocol:        models.ProtocolFTP,
		Settings: models.ProtocolSettings{
			FTP: &models.FTPSettings{Server: "ftp.test", Port: 21, Username: "u"},
		},
		FilePathPattern: "/",
		FilenamePattern: "*.txt",
		Schedule:        models.Schedule{CronExpression: "*/5 * * * *", Timezone: "UTC"},
		IsActive:        true,
		CreatedAt:       createdAt,
	}
}

func TestConfigurationStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	created, err := stores.Configurations.Create(ctx, testConfig("A", "c1", time.Now()))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ETag)

	got, err := stores.Configurations.GetByID(ctx, "A", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cfg c1", got.Name)
	assert.Equal(t, created.ETag, got.ETag)

	// Duplicate identity conflicts.
	_, err = stores.Configurations.Create(ctx, testConfig("A", "c1", time.Now()))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, models.ErrorCategoryConflict, models.CategoryOf(err))
}

func TestConfigurationStore_ClientIsolation(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	_, err := stores.Configurations.Create(ctx, testConfig("B", "x", time.Now()))
	require.NoError(t, err)

	// Client A asking for client B's configuration sees a plain miss.
	got, err := stores.Configurations.GetByID(ctx, "A", "x")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = stores.Configurations.GetByID(ctx, "", "x")
	assert.ErrorIs(t, err, ErrMissingPartitionKey)
}

func TestConfigurationStore_UpdateETag(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	created, err := stores.Configurations.Create(ctx, testConfig("A", "c1", time.Now()))
	require.NoError(t, err)

	created.Name = "renamed"
	updated, err := stores.Configurations.Update(ctx, created)
	require.NoError(t, err)
	assert.NotEqual(t, created.ETag, updated.ETag)

	// A second update with the now-stale ETag fails and leaves the record
	// unchanged.
	created.Name = "stale write"
	_, err = stores.Configurations.Update(ctx, created)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	got, err := stores.Configurations.GetByID(ctx, "A", "c1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func TestConfigurationStore_ConcurrentStaleUpdates(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	created, err := stores.Configurations.Create(ctx, testConfig("A", "c1", time.Now()))
	require.NoError(t, err)

	// Two updates race with the same ETag; exactly one wins.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg := created.Clone()
			cfg.Name = "winner"
			_, results[i] = stores.Configurations.Update(ctx, cfg)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range results {
		if err != nil {
			assert.ErrorIs(t, err, ErrPreconditionFailed)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestConfigurationStore_SoftDelete(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	created, err := stores.Configurations.Create(ctx, testConfig("A", "c1", time.Now()))
	require.NoError(t, err)

	require.NoError(t, stores.Configurations.SoftDelete(ctx, "A", "c1", created.ETag, "ops"))

	// Record is retained with isActive=false.
	got, err := stores.Configurations.GetByID(ctx, "A", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsActive)
	assert.Equal(t, "ops", got.ModifiedBy)

	active, err := stores.Configurations.GetAllActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestConfigurationStore_Pagination(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		cfg := testConfig("A", string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
		if i%2 == 1 {
			cfg.Protocol = models.ProtocolHTTPS
			cfg.Settings = models.ProtocolSettings{HTTPS: &models.HTTPSSettings{
				BaseURL: "https://x", AuthType: models.HTTPSAuthNone,
			}}
		}
		_, err := stores.Configurations.Create(ctx, cfg)
		require.NoError(t, err)
	}

	page1, err := stores.Configurations.GetByClientPaginated(ctx, "A", PageOptions{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1.Items, 2)
	assert.NotEmpty(t, page1.ContinuationToken)
	// Newest first.
	assert.Equal(t, "e", page1.Items[0].ConfigurationID)

	page2, err := stores.Configurations.GetByClientPaginated(ctx, "A", PageOptions{
		PageSize:          2,
		ContinuationToken: page1.ContinuationToken,
	})
	require.NoError(t, err)
	require.Len(t, page2.Items, 2)
	assert.NotEqual(t, page1.Items[0].ConfigurationID, page2.Items[0].ConfigurationID)

	// Protocol filter.
	ftp := models.ProtocolFTP
	filtered, err := stores.Configurations.GetByClientPaginated(ctx, "A", PageOptions{ProtocolFilter: &ftp})
	require.NoError(t, err)
	assert.Len(t, filtered.Items, 3)
}

func TestExecutionStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	exec := &models.Execution{
		ClientID:        "A",
		ConfigurationID: "c1",
		ExecutionID:     "e1",
		Status:          models.ExecutionStatusRunning,
		StartedAt:       time.Now().UTC(),
	}

	created, err := stores.Executions.Create(ctx, exec)
	require.NoError(t, err)

	created.Status = models.ExecutionStatusCompleted
	created.FilesFound = 3
	created.FilesProcessed = 2
	updated, err := stores.Executions.Update(ctx, created)
	require.NoError(t, err)
	assert.NotEqual(t, created.ETag, updated.ETag)

	got, err := stores.Executions.GetByID(ctx, "A", "c1", "e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 3, got.FilesFound)
}

func TestExecutionStore_ListForRange(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := stores.Executions.Create(ctx, &models.Execution{
			ClientID:        "A",
			ConfigurationID: "c1",
			ExecutionID:     string(rune('a' + i)),
			Status:          models.ExecutionStatusCompleted,
			StartedAt:       base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	got, err := stores.Executions.ListForRange(ctx, "A", "c1", base.Add(30*time.Minute), base.Add(150*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDiscoveryStore_DuplicateIsSilentSuccess(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	d := &models.DiscoveredFile{
		ID:              "d1",
		ClientID:        "A",
		ConfigurationID: "c1",
		ExecutionID:     "e1",
		FileURL:         "ftp://ftp.test/seed-20250124.txt",
		Filename:        "seed-20250124.txt",
		DiscoveryDate:   "2025-01-24",
		DiscoveredAt:    time.Now().UTC(),
	}

	first, err := stores.Discoveries.Create(ctx, d)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Same key from a different execution: duplicate, (nil, nil).
	dup := *d
	dup.ID = "d2"
	dup.ExecutionID = "e2"
	second, err := stores.Discoveries.Create(ctx, &dup)
	require.NoError(t, err)
	assert.Nil(t, second)

	exists, err := stores.Discoveries.Exists(ctx, "A", "c1", d.FileURL, d.DiscoveryDate)
	require.NoError(t, err)
	assert.True(t, exists)

	// A different discovery date is a new observation.
	next := *d
	next.ID = "d3"
	next.DiscoveryDate = "2025-01-25"
	third, err := stores.Discoveries.Create(ctx, &next)
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestDiscoveryStore_ConcurrentCreatesInsertOnce(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	var wg sync.WaitGroup
	inserted := make([]*models.DiscoveredFile, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := &models.DiscoveredFile{
				ID:              "d",
				ClientID:        "A",
				ConfigurationID: "c1",
				ExecutionID:     "e1",
				FileURL:         "https://host/f.csv",
				DiscoveryDate:   "2025-01-24",
			}
			rec, err := stores.Discoveries.Create(ctx, d)
			assert.NoError(t, err)
			inserted[i] = rec
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, rec := range inserted {
		if rec != nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestProcessedStore_DuplicateIsSilentSuccess(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	rec := &models.ProcessedFileRecord{
		DiscoveredFileID:  "d1",
		ClientID:          "A",
		ConfigurationID:   "c1",
		ExecutionID:       "e1",
		Filename:          "seed.txt",
		ChecksumAlgorithm: "SHA-256",
		ChecksumHex:       "abcd",
		ProcessedAt:       time.Now().UTC(),
	}

	first, err := stores.Processed.Create(ctx, rec)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := stores.Processed.Create(ctx, rec)
	require.NoError(t, err)
	assert.Nil(t, second)

	listed, err := stores.Processed.ListByConfiguration(ctx, "A", "c1", 10, ProcessedFilter{})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	filtered, err := stores.Processed.ListByConfiguration(ctx, "A", "c1", 10, ProcessedFilter{FilenameFilter: "SEED"})
	require.NoError(t, err)
	assert.Len(t, filtered, 1)

	none, err := stores.Processed.ListByConfiguration(ctx, "A", "c1", 10, ProcessedFilter{ExecutionID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
