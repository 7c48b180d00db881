// Package filecheck runs the discovery pipeline for one configuration: expand
// the date tokens, list the remote endpoint, insert each hit into the
// discovery store, and emit the discovery events and processing commands for
// the new ones. The scheduler and the ExecuteFileCheck handler both call into
// this package; neither duplicates the pipeline.
package filecheck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/filescout/filescout/internal/bus"
	"github.com/filescout/filescout/internal/clock"
	"github.com/filescout/filescout/internal/logging"
	"github.com/filescout/filescout/internal/models"
	"github.com/filescout/filescout/internal/protocols"
	"github.com/filescout/filescout/internal/retry"
	"github.com/filescout/filescout/internal/secrets"
	"github.com/filescout/filescout/internal/store"
	"github.com/filescout/filescout/internal/tokens"
)

// AdapterFactory resolves the protocol adapter for a configuration. Tests
// substitute a fake; production uses protocols.ForConfiguration.
type AdapterFactory func(cfg *models.RetrievalConfiguration, resolver secrets.Resolver) (protocols.Adapter, error)

// RunOptions carries per-invocation trigger context.
type RunOptions struct {
	IsManualTrigger bool
	TriggeredBy     string
	CorrelationID   string

	// RetryCount is how many times this check was redelivered before this
	// attempt; recorded on the execution and surfaced on failure events.
	RetryCount int
}

// Service is the file-check pipeline.
type Service struct {
	stores   store.Stores
	bus      bus.Bus
	resolver secrets.Resolver
	adapters AdapterFactory
	retryCfg retry.Config
	clk      clock.Clock
	log      *logging.Logger
}

// NewService wires the pipeline. adapters may be nil to use the default
// factory; clk may be nil to use the system clock.
func NewService(stores store.Stores, b bus.Bus, resolver secrets.Resolver, adapters AdapterFactory, retryCfg retry.Config, clk clock.Clock, log *logging.Logger) *Service {
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
	return &Service{
		stores:   stores,
		bus:      b,
		resolver: resolver,
		adapters: adapters,
		retryCfg: retryCfg,
		clk:      clk,
		log:      log,
	}
}

// Run executes one file check for cfg at the given scheduled instant. The
// execution record is created Running before any network call and always
// driven to a terminal state, even on cancellation. An empty listing is a
// success; listing failures, event-publish failures and processing-dispatch
// failures all fail the run, so the caller's bus can redeliver the
// triggering command.
func (s *Service) Run(ctx context.Context, cfg *models.RetrievalConfiguration, scheduled time.Time, opts RunOptions) (*models.ExecutionResult, error) {
	started := s.clk.NowUTC()
	executionID := uuid.NewString()

	log := s.log.Child(map[string]string{
		"client_id":        cfg.ClientID,
		"configuration_id": cfg.ConfigurationID,
		"execution_id":     executionID,
		"protocol":         string(cfg.Protocol),
	})

	resolvedPath := tokens.Expand(cfg.FilePathPattern, scheduled)
	resolvedName := tokens.Expand(cfg.FilenamePattern, scheduled)

	exec := &models.Execution{
		ClientID:                cfg.ClientID,
		ConfigurationID:         cfg.ConfigurationID,
		ExecutionID:             executionID,
		Status:                  models.ExecutionStatusRunning,
		StartedAt:               started,
		ScheduledExecutionTime:  scheduled.UTC(),
		ResolvedFilePathPattern: resolvedPath,
		ResolvedFilenamePattern: resolvedName,
		RetryCount:              opts.RetryCount,
	}
	stored, err := s.stores.Executions.Create(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}
	exec = stored

	if err := s.publishTriggered(ctx, cfg, exec, opts); err != nil {
		result := &models.ExecutionResult{
			ExecutionID:             exec.ExecutionID,
			ResolvedFilePathPattern: resolvedPath,
			ResolvedFilenamePattern: resolvedName,
		}
		s.finalize(ctx, log, exec, result, err, started, opts)
		return result, err
	}

	result, runErr := s.discover(ctx, log, cfg, exec, resolvedPath, resolvedName, scheduled, opts)
	s.finalize(ctx, log, exec, result, runErr, started, opts)
	return result, runErr
}

func (s *Service) publishTriggered(ctx context.Context, cfg *models.RetrievalConfiguration, exec *models.Execution, opts RunOptions) error {
	triggeredBy := opts.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "scheduler"
	}
	evt := models.FileCheckTriggered{
		Envelope: models.NewEnvelope(cfg.ClientID, opts.CorrelationID,
			models.DeriveIdempotencyKey(cfg.ClientID, cfg.ConfigurationID, exec.ExecutionID, "triggered")),
		ConfigurationID:        cfg.ConfigurationID,
		ExecutionID:            exec.ExecutionID,
		ConfigurationName:      cfg.Name,
		Protocol:               cfg.Protocol,
		ScheduledExecutionTime: exec.ScheduledExecutionTime,
		IsManualTrigger:        opts.IsManualTrigger,
		TriggeredBy:            triggeredBy,
	}
	if err := s.bus.Publish(ctx, evt); err != nil {
		return fmt.Errorf("failed to publish FileCheckTriggered: %w", err)
	}
	return nil
}

// discover lists the endpoint and records the hits. The listing is retried
// per the retry config; everything after the listing runs once.
func (s *Service) discover(ctx context.Context, log *logging.Logger, cfg *models.RetrievalConfiguration, exec *models.Execution, resolvedPath, resolvedName string, scheduled time.Time, opts RunOptions) (*models.ExecutionResult, error) {
	result := &models.ExecutionResult{
		ExecutionID:             exec.ExecutionID,
		ResolvedFilePathPattern: resolvedPath,
		ResolvedFilenamePattern: resolvedName,
	}

	adapter, err := s.adapters(cfg, s.resolver)
	if err != nil {
		return result, models.NewCategorizedError(models.ErrorCategoryConfiguration,
			fmt.Errorf("failed to resolve protocol adapter: %w", err))
	}

	retryCfg := s.retryCfg
	retryCfg.OnRetry = func(attempt int, err error, category models.ErrorCategory) {
		log.Warn().
			Int("attempt", attempt).
			Str("error_category", string(category)).
			Err(err).
			Msg("listing failed, retrying")
	}

	var listed []models.RemoteFile
	listErr := retry.Do(ctx, retryCfg, func() error {
		files, err := adapter.List(ctx, protocols.ListRequest{
			Path:      resolvedPath,
			Filename:  resolvedName,
			Extension: cfg.FileExtension,
		})
		if err != nil {
			return err
		}
		listed = files
		return nil
	})
	if listErr != nil {
		return result, listErr
	}

	result.FilesFound = len(listed)
	discoveryDate := models.DiscoveryDateOf(scheduled)
	now := s.clk.NowUTC()

	for _, remote := range listed {
		discovered := &models.DiscoveredFile{
			ID:              uuid.NewString(),
			ClientID:        cfg.ClientID,
			ConfigurationID: cfg.ConfigurationID,
			ExecutionID:     exec.ExecutionID,
			FileURL:         remote.FileURL,
			Filename:        remote.Filename,
			Size:            remote.Size,
			DiscoveryDate:   discoveryDate,
			DiscoveredAt:    now,
		}
		inserted, err := s.stores.Discoveries.Create(ctx, discovered)
		if err != nil {
			return result, fmt.Errorf("failed to record discovery of %s: %w", remote.FileURL, err)
		}
		if inserted == nil {
			// Duplicate key: already discovered for this date.
			log.Debug().Str("file_url", remote.FileURL).Msg("file already discovered, skipping")
			continue
		}

		result.DiscoveredFiles = append(result.DiscoveredFiles, inserted)
		if err := s.emitDiscovered(ctx, cfg, inserted, opts); err != nil {
			return result, err
		}
		processed, err := s.dispatchProcessing(ctx, log, cfg, inserted, opts)
		if err != nil {
			return result, err
		}
		if processed {
			result.FilesProcessed++
		}
	}
	return result, nil
}

// emitDiscovered publishes the FileDiscovered event. A publish failure fails
// the run so the bus redelivers the triggering command; the discovery record
// already written makes the replay a duplicate insert, so nothing is emitted
// twice.
func (s *Service) emitDiscovered(ctx context.Context, cfg *models.RetrievalConfiguration, d *models.DiscoveredFile, opts RunOptions) error {
	evt := models.FileDiscovered{
		Envelope: models.NewEnvelope(cfg.ClientID, opts.CorrelationID,
			models.DeriveIdempotencyKey(cfg.ClientID, cfg.ConfigurationID, d.FileURL, d.DiscoveryDate)),
		ConfigurationID:  cfg.ConfigurationID,
		ExecutionID:      d.ExecutionID,
		DiscoveredFileID: d.ID,
		FileURL:          d.FileURL,
		Filename:         d.Filename,
		Size:             d.Size,
		Protocol:         cfg.Protocol,
		DiscoveredAt:     d.DiscoveredAt,
	}
	if err := s.bus.Publish(ctx, evt); err != nil {
		return fmt.Errorf("failed to publish FileDiscovered for %s: %w", d.FileURL, err)
	}
	return nil
}

// dispatchProcessing sends the ProcessDiscoveredFile command and reports
// whether the file was processed. A missing handler means the worker runs
// discovery-only; that is not an error, but FilesProcessed stays zero since
// nothing downloaded the files (FilesFound and the discovery records carry
// what was seen). Any other dispatch failure fails the run so the bus
// redelivers the triggering command.
func (s *Service) dispatchProcessing(ctx context.Context, log *logging.Logger, cfg *models.RetrievalConfiguration, d *models.DiscoveredFile, opts RunOptions) (bool, error) {
	cmd := models.ProcessDiscoveredFile{
		Envelope: models.NewEnvelope(cfg.ClientID, opts.CorrelationID,
			models.DeriveIdempotencyKey(cfg.ClientID, cfg.ConfigurationID, d.ID, "process")),
		ConfigurationID:  cfg.ConfigurationID,
		ExecutionID:      d.ExecutionID,
		DiscoveredFileID: d.ID,
		FileURL:          d.FileURL,
		Filename:         d.Filename,
		Protocol:         cfg.Protocol,
	}
	err := s.bus.Send(ctx, cmd)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bus.ErrNoHandler):
		log.Debug().Str("discovered_file_id", d.ID).Msg("no processing handler registered")
		return false, nil
	default:
		return false, fmt.Errorf("failed to dispatch processing of %s: %w", d.FileURL, err)
	}
}

// finalize drives the execution record to its terminal state and publishes
// the outcome event. On cancellation the record still becomes Failed but no
// completion event is published; a cancelled check never looks successful.
func (s *Service) finalize(ctx context.Context, log *logging.Logger, exec *models.Execution, result *models.ExecutionResult, runErr error, started time.Time, opts RunOptions) {
	// The incoming ctx may already be cancelled; the terminal write and the
	// outcome event must still go out.
	flushCtx := context.WithoutCancel(ctx)

	duration := s.clk.NowUTC().Sub(started)
	result.Duration = duration
	completedAt := s.clk.NowUTC()

	exec.CompletedAt = &completedAt
	exec.DurationMs = duration.Milliseconds()
	exec.FilesFound = result.FilesFound
	exec.FilesProcessed = result.FilesProcessed

	if runErr == nil {
		exec.Status = models.ExecutionStatusCompleted
		result.Success = true
	} else {
		exec.Status = models.ExecutionStatusFailed
		exec.ErrorMessage = runErr.Error()
		exec.ErrorCategory = models.CategoryOf(runErr)
		result.ErrorMessage = exec.ErrorMessage
		result.ErrorCategory = exec.ErrorCategory
	}

	if updated, err := s.stores.Executions.Update(flushCtx, exec); err != nil {
		log.Error().Err(err).Msg("failed to finalize execution record")
	} else {
		*exec = *updated
	}

	if runErr == nil {
		evt := models.FileCheckCompleted{
			Envelope: models.NewEnvelope(exec.ClientID, opts.CorrelationID,
				models.DeriveIdempotencyKey(exec.ClientID, exec.ConfigurationID, exec.ExecutionID, "completed")),
			ConfigurationID:         exec.ConfigurationID,
			ExecutionID:             exec.ExecutionID,
			FilesFound:              exec.FilesFound,
			FilesProcessed:          exec.FilesProcessed,
			DurationMs:              exec.DurationMs,
			ResolvedFilePathPattern: exec.ResolvedFilePathPattern,
			ResolvedFilenamePattern: exec.ResolvedFilenamePattern,
		}
		if err := s.bus.Publish(flushCtx, evt); err != nil {
			log.Warn().Err(err).Msg("failed to publish FileCheckCompleted")
		}
		log.Info().
			Int("files_found", exec.FilesFound).
			Int("files_processed", exec.FilesProcessed).
			Int64("duration_ms", exec.DurationMs).
			Msg("file check completed")
		return
	}

	evt := models.FileCheckFailed{
		Envelope: models.NewEnvelope(exec.ClientID, opts.CorrelationID,
			models.DeriveIdempotencyKey(exec.ClientID, exec.ConfigurationID, exec.ExecutionID, "failed")),
		ConfigurationID: exec.ConfigurationID,
		ExecutionID:     exec.ExecutionID,
		ErrorMessage:    exec.ErrorMessage,
		ErrorCategory:   exec.ErrorCategory,
		DurationMs:      exec.DurationMs,
		RetryCount:      exec.RetryCount,
	}
	if err := s.bus.Publish(flushCtx, evt); err != nil {
		log.Warn().Err(err).Msg("failed to publish FileCheckFailed")
	}
	log.Error().
		Str("error_category", string(exec.ErrorCategory)).
		Int64("duration_ms", exec.DurationMs).
		Msg("file check failed")
}
