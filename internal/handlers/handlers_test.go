package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filescout/filescout/internal/bus"
	"github.com/filescout/filescout/internal/clock"
	"github.com/filescout/filescout/internal/filecheck"
	"github.com/filescout/filescout/internal/models"
	"github.com/filescout/filescout/internal/protocols"
	"github.com/filescout/filescout/internal/retry"
	"github.com/filescout/filescout/internal/secrets"
	"github.com/filescout/filescout/internal/store"
	"github.com/filescout/filescout/internal/validation"
)

type fakeAdapter struct {
	files       []models.RemoteFile
	listErr     error
	downloads   map[string][]byte
	downloadErr error
}

func (f *fakeAdapter) List(_ context.Context, _ protocols.ListRequest) ([]models.RemoteFile, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.files, nil
}

func (f *fakeAdapter) Download(_ context.Context, fileURL string) ([]byte, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	data, ok := f.downloads[fileURL]
	if !ok {
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol, errors.New("no such file"))
	}
	return data, nil
}

type fixture struct {
	handlers *Handlers
	stores   store.Stores
	bus      *bus.InProcessBus
	adapter  *fakeAdapter
	clk      *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := *store.NewMemoryStores()
	b := bus.NewInProcessBus(bus.RetryPolicy{})
	adapter := &fakeAdapter{downloads: map[string][]byte{}}
	factory := func(_ *models.RetrievalConfiguration, _ secrets.Resolver) (protocols.Adapter, error) {
		return adapter, nil
	}
	clk := clock.NewFake(time.Date(2026, 3, 25, 6, 0, 1, 0, time.UTC))
	retryCfg := retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	checks := filecheck.NewService(stores, b, secrets.StaticResolver{}, factory, retryCfg, clk, nil)
	h := New(stores, b, checks, secrets.StaticResolver{}, factory, clk, nil)
	h.Register(b)

	return &fixture{handlers: h, stores: stores, bus: b, adapter: adapter, clk: clk}
}

func createCommand() models.CreateConfiguration {
	return models.CreateConfiguration{
		Envelope:        models.NewEnvelope("acme", "", "create-key"),
		ConfigurationID: "cfg-1",
		Name:            "daily reports",
		Protocol:        models.ProtocolHTTPS,
		Settings: models.ProtocolSettings{
			HTTPS: &models.HTTPSSettings{
				BaseURL:  "https://files.example.com",
				AuthType: models.HTTPSAuthNone,
			},
		},
		FilePathPattern: "exports/{yyyy}/{mm}",
		FilenamePattern: "report_{yyyymmdd}.csv",
		Schedule:        models.Schedule{CronExpression: "0 6 * * *", Timezone: "UTC"},
		CreatedBy:       "admin@example.com",
	}
}

func TestCreateConfiguration(t *testing.T) {
	f := newFixture(t)
	rec := bus.NewRecorder(f.bus, models.ConfigurationCreated{})

	require.NoError(t, f.bus.Send(context.Background(), createCommand()))

	cfg, err := f.stores.Configurations.GetByID(context.Background(), "acme", "cfg-1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.IsActive)
	assert.Equal(t, "admin@example.com", cfg.CreatedBy)
	assert.NotEmpty(t, cfg.ETag)
	require.NotNil(t, cfg.NextScheduledRun)
	assert.Equal(t, time.Date(2026, 3, 26, 6, 0, 0, 0, time.UTC), cfg.NextScheduledRun.UTC())

	assert.Equal(t, 1, rec.CountOf(models.ConfigurationCreated{}))
}

func TestCreateConfigurationRedeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	rec := bus.NewRecorder(f.bus, models.ConfigurationCreated{})

	cmd := createCommand()
	require.NoError(t, f.bus.Send(context.Background(), cmd))
	require.NoError(t, f.bus.Send(context.Background(), cmd))

	assert.Equal(t, 1, rec.CountOf(models.ConfigurationCreated{}))
}

func TestCreateConfigurationRejectsTokenInHost(t *testing.T) {
	f := newFixture(t)

	cmd := createCommand()
	cmd.Settings.HTTPS.BaseURL = "https://files-{yyyy}.example.com"
	err := f.handlers.HandleCreate(context.Background(), cmd)
	require.Error(t, err)
	assert.Equal(t, models.ErrorCategoryValidation, models.CategoryOf(err))

	var fe validation.FieldErrors
	assert.True(t, errors.As(err, &fe))

	cfg, err := f.stores.Configurations.GetByID(context.Background(), "acme", "cfg-1")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestUpdateConfiguration(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	cfg, _ := f.stores.Configurations.GetByID(context.Background(), "acme", "cfg-1")

	rec := bus.NewRecorder(f.bus, models.ConfigurationUpdated{})
	upd := models.UpdateConfiguration{
		Envelope:        models.NewEnvelope("acme", "", "update-key"),
		ConfigurationID: "cfg-1",
		ETag:            cfg.ETag,
		Name:            "hourly reports",
		Protocol:        cfg.Protocol,
		Settings:        cfg.Settings,
		FilePathPattern: cfg.FilePathPattern,
		FilenamePattern: cfg.FilenamePattern,
		Schedule:        models.Schedule{CronExpression: "0 * * * *", Timezone: "UTC"},
		ModifiedBy:      "ops@example.com",
	}
	require.NoError(t, f.handlers.HandleUpdate(context.Background(), upd))

	stored, err := f.stores.Configurations.GetByID(context.Background(), "acme", "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, "hourly reports", stored.Name)
	assert.Equal(t, "ops@example.com", stored.ModifiedBy)
	assert.NotEqual(t, cfg.ETag, stored.ETag)
	assert.Equal(t, "admin@example.com", stored.CreatedBy)
	assert.Equal(t, 1, rec.CountOf(models.ConfigurationUpdated{}))
}

func TestUpdateConfigurationStaleETag(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	cfg, _ := f.stores.Configurations.GetByID(context.Background(), "acme", "cfg-1")

	upd := models.UpdateConfiguration{
		Envelope:        models.NewEnvelope("acme", "", "update-key"),
		ConfigurationID: "cfg-1",
		ETag:            "stale-etag",
		Name:            "someone else's edit",
		Protocol:        cfg.Protocol,
		Settings:        cfg.Settings,
		FilePathPattern: cfg.FilePathPattern,
		FilenamePattern: cfg.FilenamePattern,
		Schedule:        cfg.Schedule,
		ModifiedBy:      "ops@example.com",
	}
	err := f.handlers.HandleUpdate(context.Background(), upd)
	require.Error(t, err)
	assert.Equal(t, models.ErrorCategoryPreconditionFailed, models.CategoryOf(err))

	stored, _ := f.stores.Configurations.GetByID(context.Background(), "acme", "cfg-1")
	assert.Equal(t, "daily reports", stored.Name)
}

func TestUpdateMissingConfiguration(t *testing.T) {
	f := newFixture(t)
	err := f.handlers.HandleUpdate(context.Background(), models.UpdateConfiguration{
		Envelope:        models.NewEnvelope("acme", "", "k"),
		ConfigurationID: "nope",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrorCategoryConfiguration, models.CategoryOf(err))
}

func TestDeleteConfiguration(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	cfg, _ := f.stores.Configurations.GetByID(context.Background(), "acme", "cfg-1")

	rec := bus.NewRecorder(f.bus, models.ConfigurationDeleted{})
	del := models.DeleteConfiguration{
		Envelope:        models.NewEnvelope("acme", "", "delete-key"),
		ConfigurationID: "cfg-1",
		ETag:            cfg.ETag,
		DeletedBy:       "ops@example.com",
	}
	require.NoError(t, f.handlers.HandleDelete(context.Background(), del))

	stored, err := f.stores.Configurations.GetByID(context.Background(), "acme", "cfg-1")
	require.NoError(t, err)
	require.NotNil(t, stored, "soft delete must retain the record")
	assert.False(t, stored.IsActive)
	assert.Equal(t, 1, rec.CountOf(models.ConfigurationDeleted{}))

	// Redelivery against the now-inactive record is a no-op success.
	require.NoError(t, f.handlers.HandleDelete(context.Background(), del))
	assert.Equal(t, 1, rec.CountOf(models.ConfigurationDeleted{}))
}

func TestExecuteFileCheckHappyPath(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	f.adapter.files = []models.RemoteFile{
		{FileURL: "https://files.example.com/exports/2026/03/report_20260325.csv", Filename: "report_20260325.csv", Size: 42},
	}
	f.adapter.downloads["https://files.example.com/exports/2026/03/report_20260325.csv"] = []byte("payload")

	rec := bus.NewRecorder(f.bus,
		models.FileCheckCompleted{}, models.FileDiscovered{}, models.DiscoveredFileProcessed{})

	scheduled := time.Date(2026, 3, 25, 6, 0, 0, 0, time.UTC)
	require.NoError(t, f.bus.Send(context.Background(), models.ExecuteFileCheck{
		Envelope:               models.NewEnvelope("acme", "", "exec-key"),
		ConfigurationID:        "cfg-1",
		ScheduledExecutionTime: scheduled,
	}))

	assert.Equal(t, 1, rec.CountOf(models.FileDiscovered{}))
	assert.Equal(t, 1, rec.CountOf(models.DiscoveredFileProcessed{}))
	assert.Equal(t, 1, rec.CountOf(models.FileCheckCompleted{}))

	cfg, _ := f.stores.Configurations.GetByID(context.Background(), "acme", "cfg-1")
	require.NotNil(t, cfg.LastExecutedAt)
	assert.Equal(t, f.clk.NowUTC(), cfg.LastExecutedAt.UTC())
	require.NotNil(t, cfg.NextScheduledRun)
	assert.True(t, cfg.NextScheduledRun.After(f.clk.NowUTC()))

	page, err := f.stores.Executions.ListPaginated(context.Background(), "acme", "cfg-1", store.PageOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, models.ExecutionStatusCompleted, page.Items[0].Status)
	assert.Equal(t, 1, page.Items[0].FilesProcessed)
}

func TestExecuteFileCheckMissingConfiguration(t *testing.T) {
	f := newFixture(t)
	rec := bus.NewRecorder(f.bus, models.FileCheckFailed{})

	err := f.bus.Send(context.Background(), models.ExecuteFileCheck{
		Envelope:               models.NewEnvelope("acme", "", "exec-key"),
		ConfigurationID:        "ghost",
		ScheduledExecutionTime: time.Date(2026, 3, 25, 6, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err, "a permanently broken command must be acknowledged, not redelivered")

	events := rec.Events()
	require.Len(t, events, 1)
	failed := events[0].(models.FileCheckFailed)
	assert.Equal(t, models.ErrorCategoryConfiguration, failed.ErrorCategory)
	assert.Empty(t, failed.ExecutionID)

	page, err := f.stores.Executions.ListPaginated(context.Background(), "acme", "ghost", store.PageOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Items, "no execution record for an unrunnable check")
}

func TestExecuteFileCheckInactiveConfiguration(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	cfg, _ := f.stores.Configurations.GetByID(context.Background(), "acme", "cfg-1")
	require.NoError(t, f.handlers.HandleDelete(context.Background(), models.DeleteConfiguration{
		Envelope:        models.NewEnvelope("acme", "", "del"),
		ConfigurationID: "cfg-1",
		ETag:            cfg.ETag,
		DeletedBy:       "ops",
	}))

	rec := bus.NewRecorder(f.bus, models.FileCheckFailed{})
	err := f.handlers.HandleExecuteFileCheck(context.Background(), models.ExecuteFileCheck{
		Envelope:               models.NewEnvelope("acme", "", "exec-key"),
		ConfigurationID:        "cfg-1",
		ScheduledExecutionTime: time.Date(2026, 3, 25, 6, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CountOf(models.FileCheckFailed{}))

	page, _ := f.stores.Executions.ListPaginated(context.Background(), "acme", "cfg-1", store.PageOptions{})
	assert.Empty(t, page.Items)
}

func TestExecuteFileCheckRetryableFailurePropagates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	f.adapter.listErr = models.NewCategorizedError(models.ErrorCategoryConnectionTimeout, errors.New("dial timeout"))

	err := f.handlers.HandleExecuteFileCheck(context.Background(), models.ExecuteFileCheck{
		Envelope:               models.NewEnvelope("acme", "", "exec-key"),
		ConfigurationID:        "cfg-1",
		ScheduledExecutionTime: time.Date(2026, 3, 25, 6, 0, 0, 0, time.UTC),
	})
	require.Error(t, err, "retryable failures must reach the bus retry policy")
	assert.Equal(t, models.ErrorCategoryConnectionTimeout, models.CategoryOf(err))
}

func TestExecuteFileCheckAuthFailureAcknowledged(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	f.adapter.listErr = models.NewCategorizedError(models.ErrorCategoryAuthentication, errors.New("bad credentials"))

	rec := bus.NewRecorder(f.bus, models.FileCheckFailed{})
	err := f.handlers.HandleExecuteFileCheck(context.Background(), models.ExecuteFileCheck{
		Envelope:               models.NewEnvelope("acme", "", "exec-key"),
		ConfigurationID:        "cfg-1",
		ScheduledExecutionTime: time.Date(2026, 3, 25, 6, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err, "auth failures do not heal on redelivery")
	assert.Equal(t, 1, rec.CountOf(models.FileCheckFailed{}))

	page, _ := f.stores.Executions.ListPaginated(context.Background(), "acme", "cfg-1", store.PageOptions{})
	require.Len(t, page.Items, 1)
	assert.Equal(t, models.ExecutionStatusFailed, page.Items[0].Status)
}

func TestExecuteFileCheckRedeliveryIncrementsRetryCount(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	f.adapter.listErr = models.NewCategorizedError(models.ErrorCategoryConnectionTimeout, errors.New("dial timeout"))

	cmd := models.ExecuteFileCheck{
		Envelope:               models.NewEnvelope("acme", "", "exec-key"),
		ConfigurationID:        "cfg-1",
		ScheduledExecutionTime: time.Date(2026, 3, 25, 6, 0, 0, 0, time.UTC),
	}
	require.Error(t, f.handlers.HandleExecuteFileCheck(context.Background(), cmd))
	require.Error(t, f.handlers.HandleExecuteFileCheck(context.Background(), cmd))

	page, _ := f.stores.Executions.ListPaginated(context.Background(), "acme", "cfg-1", store.PageOptions{})
	require.Len(t, page.Items, 2)
	counts := []int{page.Items[0].RetryCount, page.Items[1].RetryCount}
	assert.ElementsMatch(t, []int{0, 1}, counts)
}

func TestExecuteFileCheckManualTriggerStampsSource(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))

	var triggered []models.FileCheckTriggered
	f.bus.Subscribe(models.FileCheckTriggered{}, func(_ context.Context, msg any) error {
		triggered = append(triggered, msg.(models.FileCheckTriggered))
		return nil
	})

	require.NoError(t, f.handlers.HandleExecuteFileCheck(context.Background(), models.ExecuteFileCheck{
		Envelope:               models.NewEnvelope("acme", "", "exec-manual"),
		ConfigurationID:        "cfg-1",
		ScheduledExecutionTime: time.Date(2026, 3, 25, 6, 0, 0, 0, time.UTC),
		IsManualTrigger:        true,
	}))
	require.NoError(t, f.handlers.HandleExecuteFileCheck(context.Background(), models.ExecuteFileCheck{
		Envelope:               models.NewEnvelope("acme", "", "exec-scheduled"),
		ConfigurationID:        "cfg-1",
		ScheduledExecutionTime: time.Date(2026, 3, 26, 6, 0, 0, 0, time.UTC),
	}))

	require.Len(t, triggered, 2)
	assert.True(t, triggered[0].IsManualTrigger)
	assert.Equal(t, "manual-api", triggered[0].TriggeredBy)
	assert.False(t, triggered[1].IsManualTrigger)
	assert.Equal(t, "scheduler", triggered[1].TriggeredBy)
}

func TestExecuteFileCheckEventPublishFailurePropagates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	f.adapter.files = []models.RemoteFile{
		{FileURL: "https://files.example.com/report.csv", Filename: "report.csv"},
	}
	f.bus.Subscribe(models.FileDiscovered{}, func(_ context.Context, _ any) error {
		return errors.New("event sink unavailable")
	})

	err := f.handlers.HandleExecuteFileCheck(context.Background(), models.ExecuteFileCheck{
		Envelope:               models.NewEnvelope("acme", "", "exec-key"),
		ConfigurationID:        "cfg-1",
		ScheduledExecutionTime: time.Date(2026, 3, 25, 6, 0, 0, 0, time.UTC),
	})
	require.Error(t, err, "a lost event must go back to the bus for redelivery")
}

func TestExecuteFileCheckAcknowledgmentEvictsDeliveryState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	f.adapter.listErr = models.NewCategorizedError(models.ErrorCategoryConnectionTimeout, errors.New("dial timeout"))

	cmd := models.ExecuteFileCheck{
		Envelope:               models.NewEnvelope("acme", "", "exec-key"),
		ConfigurationID:        "cfg-1",
		ScheduledExecutionTime: time.Date(2026, 3, 25, 6, 0, 0, 0, time.UTC),
	}
	require.Error(t, f.handlers.HandleExecuteFileCheck(context.Background(), cmd))
	f.handlers.mu.Lock()
	_, held := f.handlers.deliveries[cmd.IdempotencyKey]
	f.handlers.mu.Unlock()
	assert.True(t, held, "a command awaiting redelivery keeps its count")

	f.adapter.listErr = nil
	require.NoError(t, f.handlers.HandleExecuteFileCheck(context.Background(), cmd))
	f.handlers.mu.Lock()
	_, held = f.handlers.deliveries[cmd.IdempotencyKey]
	f.handlers.mu.Unlock()
	assert.False(t, held, "an acknowledged command leaves nothing behind")
}

func TestProcessDiscoveredFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	payload := []byte("col1,col2\n1,2\n")
	f.adapter.downloads["https://files.example.com/report.csv"] = payload

	rec := bus.NewRecorder(f.bus, models.DiscoveredFileProcessed{})
	cmd := models.ProcessDiscoveredFile{
		Envelope:         models.NewEnvelope("acme", "", "proc-key"),
		ConfigurationID:  "cfg-1",
		ExecutionID:      "exec-1",
		DiscoveredFileID: "disc-1",
		FileURL:          "https://files.example.com/report.csv",
		Filename:         "report.csv",
		Protocol:         models.ProtocolHTTPS,
	}
	require.NoError(t, f.bus.Send(context.Background(), cmd))

	want := sha256.Sum256(payload)
	records, err := f.stores.Processed.ListByConfiguration(context.Background(), "acme", "cfg-1", 10, store.ProcessedFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, hex.EncodeToString(want[:]), records[0].ChecksumHex)
	assert.Equal(t, "SHA-256", records[0].ChecksumAlgorithm)
	assert.Equal(t, int64(len(payload)), records[0].DownloadedSizeBytes)
	assert.Equal(t, 1, rec.CountOf(models.DiscoveredFileProcessed{}))

	// Redelivery: duplicate record, no second event.
	require.NoError(t, f.bus.Send(context.Background(), cmd))
	records, _ = f.stores.Processed.ListByConfiguration(context.Background(), "acme", "cfg-1", 10, store.ProcessedFilter{})
	assert.Len(t, records, 1)
	assert.Equal(t, 1, rec.CountOf(models.DiscoveredFileProcessed{}))
}

func TestProcessDiscoveredFileDownloadFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handlers.HandleCreate(context.Background(), createCommand()))
	f.adapter.downloadErr = models.NewCategorizedError(models.ErrorCategoryConnectionTimeout, errors.New("dial timeout"))

	err := f.handlers.HandleProcessDiscoveredFile(context.Background(), models.ProcessDiscoveredFile{
		Envelope:         models.NewEnvelope("acme", "", "proc-key"),
		ConfigurationID:  "cfg-1",
		DiscoveredFileID: "disc-1",
		FileURL:          "https://files.example.com/report.csv",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrorCategoryConnectionTimeout, models.CategoryOf(err))

	records, _ := f.stores.Processed.ListByConfiguration(context.Background(), "acme", "cfg-1", 10, store.ProcessedFilter{})
	assert.Empty(t, records)
}
