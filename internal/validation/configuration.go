// Package validation checks retrieval configurations at the command
// boundary, before anything is persisted.
package validation

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/filescout/filescout/internal/models"
	"github.com/filescout/filescout/internal/schedule"
	"github.com/filescout/filescout/internal/tokens"
)

// FieldErrors maps field names to validation messages. It is what the admin
// API surfaces as a 400 body.
type FieldErrors map[string]string

// Error implements error.
func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for field, msg := range fe {
		parts = append(parts, field+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ValidateConfiguration runs full domain validation on a configuration.
// Returns nil when valid, or a FieldErrors wrapped in a categorized
// ValidationError.
func ValidateConfiguration(cfg *models.RetrievalConfiguration) error {
	fe := FieldErrors{}

	if err := cfg.Validate(); err != nil {
		fe["configuration"] = err.Error()
	}

	if cfg.Schedule.CronExpression != "" && !schedule.IsValidCron(cfg.Schedule.CronExpression) {
		fe["schedule.cronExpression"] = fmt.Sprintf("invalid cron expression %q", cfg.Schedule.CronExpression)
	}
	if cfg.Schedule.Timezone != "" && !schedule.IsValidTimezone(cfg.Schedule.Timezone) {
		fe["schedule.timezone"] = fmt.Sprintf("unknown timezone %q", cfg.Schedule.Timezone)
	}

	// Date tokens belong in path and filename patterns only; the authority
	// portion of any endpoint URL must be literal.
	switch {
	case cfg.Protocol == models.ProtocolHTTPS && cfg.Settings.HTTPS != nil:
		if err := validateNoTokenInHost(cfg.Settings.HTTPS.BaseURL); err != nil {
			fe["protocolSettings.baseUrl"] = err.Error()
		}
	case cfg.Protocol == models.ProtocolFTP && cfg.Settings.FTP != nil:
		if tokens.ContainsToken(cfg.Settings.FTP.Server) {
			fe["protocolSettings.server"] = "server must not contain date tokens"
		}
	case cfg.Protocol == models.ProtocolAzureBlob && cfg.Settings.AzureBlob != nil:
		if tokens.ContainsToken(cfg.Settings.AzureBlob.StorageAccount) {
			fe["protocolSettings.storageAccount"] = "storage account must not contain date tokens"
		}
		if tokens.ContainsToken(cfg.Settings.AzureBlob.Container) {
			fe["protocolSettings.container"] = "container must not contain date tokens"
		}
	}

	if len(fe) == 0 {
		return nil
	}
	return models.NewCategorizedError(models.ErrorCategoryValidation, fe)
}

// validateNoTokenInHost rejects a URL whose authority portion carries a
// date token. Tokens after the host (in the path) are allowed.
func validateNoTokenInHost(rawURL string) error {
	// A token in the host makes the URL unparseable by net/url in some
	// cases, so check the raw authority substring first.
	authority := rawURL
	if idx := strings.Index(authority, "://"); idx >= 0 {
		authority = authority[idx+3:]
	}
	if idx := strings.IndexAny(authority, "/?#"); idx >= 0 {
		authority = authority[:idx]
	}
	if tokens.ContainsToken(authority) {
		return fmt.Errorf("URL host must not contain date tokens: %s", rawURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if tokens.ContainsToken(u.Host) {
		return fmt.Errorf("URL host must not contain date tokens: %s", rawURL)
	}
	return nil
}
