package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filescout/filescout/internal/models"
)

func validHTTPSConfig() *models.RetrievalConfiguration {
	return &models.RetrievalConfiguration{
		ClientID:        "client-1",
		ConfigurationID: "cfg-1",
		Name:            "nightly reports",
		Protocol:        models.ProtocolHTTPS,
		Settings: models.ProtocolSettings{
			HTTPS: &models.HTTPSSettings{
				BaseURL:           "https://files.example.com/exports",
				AuthType:          models.HTTPSAuthNone,
				ConnectionTimeout: 30 * time.Second,
				MaxRedirects:      3,
			},
		},
		FilePathPattern: "/exports/{yyyy}/{mm}",
		FilenamePattern: "report-{yyyymmdd}.csv",
		Schedule: models.Schedule{
			CronExpression: "0 6 * * *",
			Timezone:       "UTC",
		},
		IsActive: true,
	}
}

func TestValidateConfiguration_Valid(t *testing.T) {
	assert.NoError(t, ValidateConfiguration(validHTTPSConfig()))
}

func TestValidateConfiguration_TokenInHostRejected(t *testing.T) {
	cfg := validHTTPSConfig()
	cfg.Settings.HTTPS.BaseURL = "https://{yyyy}.host/"

	err := ValidateConfiguration(cfg)
	require.Error(t, err)
	assert.Equal(t, models.ErrorCategoryValidation, models.CategoryOf(err))

	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe, "protocolSettings.baseUrl")
}

func TestValidateConfiguration_TokenInPathAllowed(t *testing.T) {
	cfg := validHTTPSConfig()
	cfg.Settings.HTTPS.BaseURL = "https://host.example.com/{yyyy}/exports"

	assert.NoError(t, ValidateConfiguration(cfg))
}

func TestValidateConfiguration_InvalidCron(t *testing.T) {
	cfg := validHTTPSConfig()
	cfg.Schedule.CronExpression = "every day at noon"

	err := ValidateConfiguration(cfg)
	require.Error(t, err)

	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe, "schedule.cronExpression")
}

func TestValidateConfiguration_InvalidTimezone(t *testing.T) {
	cfg := validHTTPSConfig()
	cfg.Schedule.Timezone = "Mars/Olympus"

	err := ValidateConfiguration(cfg)
	require.Error(t, err)

	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe, "schedule.timezone")
}

func TestValidateConfiguration_BaseURLBoundaries(t *testing.T) {
	cfg := validHTTPSConfig()

	// Exactly 500 characters is accepted.
	cfg.Settings.HTTPS.BaseURL = "https://h.example.com/" + string(make([]byte, 0))
	base := "https://h.example.com/"
	pad := make([]byte, 500-len(base))
	for i := range pad {
		pad[i] = 'a'
	}
	cfg.Settings.HTTPS.BaseURL = base + string(pad)
	require.Len(t, cfg.Settings.HTTPS.BaseURL, 500)
	assert.NoError(t, ValidateConfiguration(cfg))

	// 501 characters is rejected.
	cfg.Settings.HTTPS.BaseURL += "a"
	err := ValidateConfiguration(cfg)
	require.Error(t, err)
}

func TestValidateConfiguration_TokenInFTPServerRejected(t *testing.T) {
	cfg := validHTTPSConfig()
	cfg.Protocol = models.ProtocolFTP
	cfg.Settings = models.ProtocolSettings{
		FTP: &models.FTPSettings{
			Server:   "ftp.{yyyy}.example.com",
			Port:     21,
			Username: "user",
		},
	}

	err := ValidateConfiguration(cfg)
	require.Error(t, err)

	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe, "protocolSettings.server")
}

func TestValidateConfiguration_MissingVariant(t *testing.T) {
	cfg := validHTTPSConfig()
	cfg.Settings.HTTPS = nil

	err := ValidateConfiguration(cfg)
	require.Error(t, err)
	assert.Equal(t, models.ErrorCategoryValidation, models.CategoryOf(err))
}
