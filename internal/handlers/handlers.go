// Package handlers implements the command side of the service: the five bus
// handlers that create, update and delete configurations, run file checks,
// and process discovered files. Register wires them all onto a bus.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/filescout/filescout/internal/bus"
	"github.com/filescout/filescout/internal/clock"
	"github.com/filescout/filescout/internal/filecheck"
	"github.com/filescout/filescout/internal/logging"
	"github.com/filescout/filescout/internal/models"
	"github.com/filescout/filescout/internal/protocols"
	"github.com/filescout/filescout/internal/schedule"
	"github.com/filescout/filescout/internal/secrets"
	"github.com/filescout/filescout/internal/store"
	"github.com/filescout/filescout/internal/validation"
)

// checksumAlgorithm names the digest recorded on processed-file records.
const checksumAlgorithm = "SHA-256"

// Handlers holds the shared dependencies of all five command handlers.
type Handlers struct {
	stores   store.Stores
	bus      bus.Bus
	checks   *filecheck.Service
	resolver secrets.Resolver
	adapters filecheck.AdapterFactory
	clk      clock.Clock
	log      *logging.Logger

	// deliveries counts deliveries per idempotency key so a redelivered
	// ExecuteFileCheck carries its retry count onto the execution record.
	// Entries are dropped when the command is acknowledged.
	mu         sync.Mutex
	deliveries map[string]int
}

// New creates the handler set. adapters may be nil to use the default
// protocol factory; clk may be nil to use the system clock.
func New(stores store.Stores, b bus.Bus, checks *filecheck.Service, resolver secrets.Resolver, adapters filecheck.AdapterFactory, clk clock.Clock, log *logging.Logger) *Handlers {
	if adapters == nil {
		adapters = func(cfg *models.RetrievalConfiguration, r secrets.Resolver) (protocols.Adapter, error) {
			return protocols.ForConfiguration(cfg, r)
		}
	}
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Handlers{
		stores:     stores,
		bus:        b,
		checks:     checks,
		resolver:   resolver,
		adapters:   adapters,
		clk:        clk,
		log:        log,
		deliveries: make(map[string]int),
	}
}

// Register attaches every handler to b.
func (h *Handlers) Register(b bus.Bus) {
	b.Handle(models.CreateConfiguration{}, h.wrap(func(ctx context.Context, msg any) error {
		return h.HandleCreate(ctx, msg.(models.CreateConfiguration))
	}))
	b.Handle(models.UpdateConfiguration{}, h.wrap(func(ctx context.Context, msg any) error {
		return h.HandleUpdate(ctx, msg.(models.UpdateConfiguration))
	}))
	b.Handle(models.DeleteConfiguration{}, h.wrap(func(ctx context.Context, msg any) error {
		return h.HandleDelete(ctx, msg.(models.DeleteConfiguration))
	}))
	b.Handle(models.ExecuteFileCheck{}, h.wrap(func(ctx context.Context, msg any) error {
		return h.HandleExecuteFileCheck(ctx, msg.(models.ExecuteFileCheck))
	}))
	b.Handle(models.ProcessDiscoveredFile{}, h.wrap(func(ctx context.Context, msg any) error {
		return h.HandleProcessDiscoveredFile(ctx, msg.(models.ProcessDiscoveredFile))
	}))
}

// wrap logs terminal handler failures with their category.
func (h *Handlers) wrap(fn bus.HandlerFunc) bus.HandlerFunc {
	return func(ctx context.Context, msg any) error {
		err := fn(ctx, msg)
		if err != nil {
			h.log.Error().
				Str("message_type", bus.TypeNameOf(msg)).
				Str("error_category", string(models.CategoryOf(err))).
				Err(err).
				Msg("handler failed")
		}
		return err
	}
}

// deliveryCount returns how many times the given idempotency key has been
// delivered before, then increments.
func (h *Handlers) deliveryCount(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.deliveries[key]
	h.deliveries[key] = n + 1
	return n
}

// clearDelivery forgets a key once its command is acknowledged; no further
// redelivery can arrive for it, and the map stays bounded by the commands
// still in flight.
func (h *Handlers) clearDelivery(key string) {
	h.mu.Lock()
	delete(h.deliveries, key)
	h.mu.Unlock()
}

// HandleCreate validates and persists a new configuration. Redelivery of the
// same command is a no-op success: the identity insert conflict is the
// idempotency signal.
func (h *Handlers) HandleCreate(ctx context.Context, cmd models.CreateConfiguration) error {
	now := h.clk.NowUTC()
	cfg := &models.RetrievalConfiguration{
		ClientID:        cmd.ClientID,
		ConfigurationID: cmd.ConfigurationID,
		Name:            cmd.Name,
		Description:     cmd.Description,
		Protocol:        cmd.Protocol,
		Settings:        cmd.Settings,
		FilePathPattern: cmd.FilePathPattern,
		FilenamePattern: cmd.FilenamePattern,
		FileExtension:   cmd.FileExtension,
		Schedule:        cmd.Schedule,
		IsActive:        true,
		CreatedAt:       now,
		CreatedBy:       cmd.CreatedBy,
		ModifiedAt:      now,
		ModifiedBy:      cmd.CreatedBy,
	}

	if err := validation.ValidateConfiguration(cfg); err != nil {
		return err
	}

	if next, ok, err := schedule.NextRun(cfg.Schedule.CronExpression, cfg.Schedule.Timezone, now); err == nil && ok {
		cfg.NextScheduledRun = &next
	}

	created, err := h.stores.Configurations.Create(ctx, cfg)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			h.log.Info().
				Str("client_id", cmd.ClientID).
				Str("configuration_id", cmd.ConfigurationID).
				Msg("configuration already exists, treating create as delivered")
			return nil
		}
		return fmt.Errorf("failed to create configuration: %w", err)
	}

	evt := models.ConfigurationCreated{
		Envelope: models.NewEnvelope(cmd.ClientID, cmd.CorrelationID,
			models.DeriveIdempotencyKey(cmd.ClientID, cmd.ConfigurationID, "created")),
		ConfigurationID: created.ConfigurationID,
		Name:            created.Name,
		Protocol:        created.Protocol,
		CreatedBy:       created.CreatedBy,
	}
	if err := h.bus.Publish(ctx, evt); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish ConfigurationCreated")
	}

	h.log.Info().
		Str("client_id", created.ClientID).
		Str("configuration_id", created.ConfigurationID).
		Str("protocol", string(created.Protocol)).
		Msg("configuration created")
	return nil
}

// HandleUpdate replaces the body of an existing configuration under its ETag.
func (h *Handlers) HandleUpdate(ctx context.Context, cmd models.UpdateConfiguration) error {
	existing, err := h.stores.Configurations.GetByID(ctx, cmd.ClientID, cmd.ConfigurationID)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if existing == nil {
		return models.NewCategorizedError(models.ErrorCategoryConfiguration,
			fmt.Errorf("configuration %s not found", cmd.ConfigurationID))
	}

	now := h.clk.NowUTC()
	updated := existing.Clone()
	updated.Name = cmd.Name
	updated.Description = cmd.Description
	updated.Protocol = cmd.Protocol
	updated.Settings = cmd.Settings
	updated.FilePathPattern = cmd.FilePathPattern
	updated.FilenamePattern = cmd.FilenamePattern
	updated.FileExtension = cmd.FileExtension
	updated.Schedule = cmd.Schedule
	updated.ModifiedAt = now
	updated.ModifiedBy = cmd.ModifiedBy
	updated.ETag = cmd.ETag

	if err := validation.ValidateConfiguration(updated); err != nil {
		return err
	}

	// Schedule changes invalidate the stored fire instant.
	if next, ok, err := schedule.NextRun(updated.Schedule.CronExpression, updated.Schedule.Timezone, now); err == nil && ok {
		updated.NextScheduledRun = &next
	} else {
		updated.NextScheduledRun = nil
	}

	stored, err := h.stores.Configurations.Update(ctx, updated)
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return models.NewCategorizedError(models.ErrorCategoryPreconditionFailed, err)
		}
		return fmt.Errorf("failed to update configuration: %w", err)
	}

	evt := models.ConfigurationUpdated{
		Envelope: models.NewEnvelope(cmd.ClientID, cmd.CorrelationID,
			models.DeriveIdempotencyKey(cmd.ClientID, cmd.ConfigurationID, stored.ETag, "updated")),
		ConfigurationID: stored.ConfigurationID,
		Name:            stored.Name,
		ModifiedBy:      stored.ModifiedBy,
	}
	if err := h.bus.Publish(ctx, evt); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish ConfigurationUpdated")
	}

	h.log.Info().
		Str("client_id", stored.ClientID).
		Str("configuration_id", stored.ConfigurationID).
		Msg("configuration updated")
	return nil
}

// HandleDelete soft-deletes a configuration under its ETag. Deleting an
// already inactive configuration is a no-op success.
func (h *Handlers) HandleDelete(ctx context.Context, cmd models.DeleteConfiguration) error {
	existing, err := h.stores.Configurations.GetByID(ctx, cmd.ClientID, cmd.ConfigurationID)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if existing == nil {
		return models.NewCategorizedError(models.ErrorCategoryConfiguration,
			fmt.Errorf("configuration %s not found", cmd.ConfigurationID))
	}
	if !existing.IsActive {
		return nil
	}

	if err := h.stores.Configurations.SoftDelete(ctx, cmd.ClientID, cmd.ConfigurationID, cmd.ETag, cmd.DeletedBy); err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return models.NewCategorizedError(models.ErrorCategoryPreconditionFailed, err)
		}
		return fmt.Errorf("failed to delete configuration: %w", err)
	}

	evt := models.ConfigurationDeleted{
		Envelope: models.NewEnvelope(cmd.ClientID, cmd.CorrelationID,
			models.DeriveIdempotencyKey(cmd.ClientID, cmd.ConfigurationID, "deleted")),
		ConfigurationID: cmd.ConfigurationID,
		DeletedBy:       cmd.DeletedBy,
	}
	if err := h.bus.Publish(ctx, evt); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish ConfigurationDeleted")
	}

	h.log.Info().
		Str("client_id", cmd.ClientID).
		Str("configuration_id", cmd.ConfigurationID).
		Msg("configuration deleted")
	return nil
}

// HandleExecuteFileCheck runs the pipeline for one configuration. A missing
// or inactive configuration publishes FileCheckFailed with a configuration
// category and acknowledges the command; no execution record is written and
// the command is not redelivered for a state that cannot heal.
func (h *Handlers) HandleExecuteFileCheck(ctx context.Context, cmd models.ExecuteFileCheck) error {
	cfg, err := h.stores.Configurations.GetByID(ctx, cmd.ClientID, cmd.ConfigurationID)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg == nil || !cfg.IsActive {
		reason := "configuration not found"
		if cfg != nil {
			reason = "configuration is inactive"
		}
		evt := models.FileCheckFailed{
			Envelope: models.NewEnvelope(cmd.ClientID, cmd.CorrelationID,
				models.DeriveIdempotencyKey(cmd.ClientID, cmd.ConfigurationID,
					cmd.ScheduledExecutionTime.UTC().Format("2006-01-02T15:04:05Z"), "failed")),
			ConfigurationID: cmd.ConfigurationID,
			ErrorMessage:    reason,
			ErrorCategory:   models.ErrorCategoryConfiguration,
		}
		if err := h.bus.Publish(ctx, evt); err != nil {
			h.log.Warn().Err(err).Msg("failed to publish FileCheckFailed")
		}
		h.log.Warn().
			Str("client_id", cmd.ClientID).
			Str("configuration_id", cmd.ConfigurationID).
			Str("reason", reason).
			Msg("file check refused")
		return nil
	}

	triggeredBy := "scheduler"
	if cmd.IsManualTrigger {
		triggeredBy = "manual-api"
	}
	opts := filecheck.RunOptions{
		IsManualTrigger: cmd.IsManualTrigger,
		TriggeredBy:     triggeredBy,
		CorrelationID:   cmd.CorrelationID,
		RetryCount:      h.deliveryCount(cmd.IdempotencyKey),
	}

	_, runErr := h.checks.Run(ctx, cfg, cmd.ScheduledExecutionTime, opts)

	// Bookkeeping happens regardless of outcome: the attempt consumed this
	// fire instant, and the next one is computed from now rather than from
	// the scheduled instant so a long outage does not replay its backlog.
	h.recordExecution(ctx, cfg)

	if runErr != nil {
		// Retryable adapter failures and plumbing failures (store writes,
		// event publishes, processing dispatch) go back to the bus for
		// redelivery. Permanent adapter categories are already recorded on
		// the execution and published; redelivering cannot change them.
		category := models.CategoryOf(runErr)
		if category.IsRetryable() || category == models.ErrorCategoryHandler {
			return runErr
		}
	}
	h.clearDelivery(cmd.IdempotencyKey)
	return nil
}

// recordExecution stamps LastExecutedAt and the next fire instant on the
// configuration. Best effort under optimistic concurrency: an admin update
// racing this write wins and the scheduler recomputes on its next pass.
func (h *Handlers) recordExecution(ctx context.Context, cfg *models.RetrievalConfiguration) {
	now := h.clk.NowUTC()
	for attempt := 0; attempt < 3; attempt++ {
		current, err := h.stores.Configurations.GetByID(ctx, cfg.ClientID, cfg.ConfigurationID)
		if err != nil || current == nil {
			return
		}
		current.LastExecutedAt = &now
		if next, ok, err := schedule.NextRun(current.Schedule.CronExpression, current.Schedule.Timezone, now); err == nil && ok {
			current.NextScheduledRun = &next
		} else {
			current.NextScheduledRun = nil
		}
		if _, err := h.stores.Configurations.Update(ctx, current); err == nil {
			return
		} else if !errors.Is(err, store.ErrPreconditionFailed) {
			h.log.Warn().Err(err).
				Str("configuration_id", cfg.ConfigurationID).
				Msg("failed to record execution bookkeeping")
			return
		}
	}
}

// HandleProcessDiscoveredFile downloads one discovered file, records its
// checksum, and publishes DiscoveredFileProcessed. A duplicate processed
// record means an earlier delivery already finished; the event is not
// re-emitted.
func (h *Handlers) HandleProcessDiscoveredFile(ctx context.Context, cmd models.ProcessDiscoveredFile) error {
	cfg, err := h.stores.Configurations.GetByID(ctx, cmd.ClientID, cmd.ConfigurationID)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg == nil {
		return models.NewCategorizedError(models.ErrorCategoryConfiguration,
			fmt.Errorf("configuration %s not found", cmd.ConfigurationID))
	}

	adapter, err := h.adapters(cfg, h.resolver)
	if err != nil {
		return models.NewCategorizedError(models.ErrorCategoryConfiguration,
			fmt.Errorf("failed to resolve protocol adapter: %w", err))
	}

	data, err := adapter.Download(ctx, cmd.FileURL)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", cmd.FileURL, err)
	}

	sum := sha256.Sum256(data)
	rec := &models.ProcessedFileRecord{
		DiscoveredFileID:    cmd.DiscoveredFileID,
		ClientID:            cmd.ClientID,
		ConfigurationID:     cmd.ConfigurationID,
		ExecutionID:         cmd.ExecutionID,
		Filename:            cmd.Filename,
		DownloadedSizeBytes: int64(len(data)),
		ChecksumAlgorithm:   checksumAlgorithm,
		ChecksumHex:         hex.EncodeToString(sum[:]),
		ProcessedAt:         h.clk.NowUTC(),
		CorrelationID:       cmd.CorrelationID,
		IdempotencyKey:      cmd.IdempotencyKey,
	}

	inserted, err := h.stores.Processed.Create(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to record processed file: %w", err)
	}
	if inserted == nil {
		h.log.Debug().
			Str("discovered_file_id", cmd.DiscoveredFileID).
			Msg("file already processed, skipping event")
		return nil
	}

	evt := models.DiscoveredFileProcessed{
		Envelope: models.NewEnvelope(cmd.ClientID, cmd.CorrelationID,
			models.DeriveIdempotencyKey(cmd.ClientID, cmd.ConfigurationID, cmd.DiscoveredFileID, "processed")),
		ConfigurationID:     cmd.ConfigurationID,
		ExecutionID:         cmd.ExecutionID,
		DiscoveredFileID:    cmd.DiscoveredFileID,
		DownloadedSizeBytes: inserted.DownloadedSizeBytes,
		ChecksumAlgorithm:   inserted.ChecksumAlgorithm,
		ChecksumHex:         inserted.ChecksumHex,
	}
	if err := h.bus.Publish(ctx, evt); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish DiscoveredFileProcessed")
	}

	h.log.Info().
		Str("client_id", cmd.ClientID).
		Str("discovered_file_id", cmd.DiscoveredFileID).
		Int64("size_bytes", inserted.DownloadedSizeBytes).
		Msg("discovered file processed")
	return nil
}
