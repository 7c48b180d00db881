package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Protocol identifies the remote endpoint type of a retrieval configuration.
type Protocol string

const (
	ProtocolFTP       Protocol = "FTP"
	ProtocolHTTPS     Protocol = "HTTPS"
	ProtocolAzureBlob Protocol = "AzureBlob"
)

// Valid reports whether p is one of the known protocol tags.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolFTP, ProtocolHTTPS, ProtocolAzureBlob:
		return true
	}
	return false
}

// HTTPSAuthType enumerates authentication modes for the HTTPS protocol.
type HTTPSAuthType string

const (
	HTTPSAuthNone             HTTPSAuthType = "None"
	HTTPSAuthUsernamePassword HTTPSAuthType = "UsernamePassword"
	HTTPSAuthBearerToken      HTTPSAuthType = "BearerToken"
	HTTPSAuthAPIKey           HTTPSAuthType = "ApiKey"
)

// AzureAuthType enumerates authentication modes for the AzureBlob protocol.
type AzureAuthType string

const (
	AzureAuthConnectionString AzureAuthType = "ConnectionString"
	AzureAuthSasToken         AzureAuthType = "SasToken"
	AzureAuthManagedIdentity  AzureAuthType = "ManagedIdentity"
	AzureAuthServicePrincipal AzureAuthType = "ServicePrincipal"
)

// Protocol settings validation errors.
var (
	ErrMissingProtocolSettings = errors.New("protocol settings variant does not match protocol tag")
	ErrFTPMissingServer        = errors.New("ftp server is required")
	ErrFTPInvalidPort          = errors.New("ftp port must be between 1 and 65535")
	ErrHTTPSBaseURLScheme      = errors.New("base URL must begin with https://")
	ErrHTTPSBaseURLTooLong     = errors.New("base URL must be at most 500 characters")
	ErrHTTPSUsernameTooLong    = errors.New("username or key must be at most 200 characters")
	ErrHTTPSSecretIDTooLong    = errors.New("secret identifier must be at most 200 characters")
	ErrHTTPSInvalidRedirects   = errors.New("max redirects must be between 0 and 10")
	ErrHTTPSInvalidAuthType    = errors.New("unknown HTTPS auth type")
	ErrAzureMissingAccount     = errors.New("storage account name is required")
	ErrAzureMissingContainer   = errors.New("container name is required")
	ErrAzureInvalidAuthType    = errors.New("unknown Azure auth type")
	ErrAzureMissingSecretID    = errors.New("secret identifier is required for the selected auth type")
)

// ProtocolSettings is the tagged union of per-protocol connection settings.
// Exactly one variant pointer is non-nil, matching the Protocol tag on the
// owning configuration. Secrets are stored as opaque identifiers only;
// resolution happens inside the adapter call.
type ProtocolSettings struct {
	FTP       *FTPSettings       `json:"ftp,omitempty"`
	HTTPS     *HTTPSSettings     `json:"https,omitempty"`
	AzureBlob *AzureBlobSettings `json:"azureBlob,omitempty"`
}

// FTPSettings configures an FTP or FTPS endpoint.
type FTPSettings struct {
	Server            string        `json:"server"`
	Port              int           `json:"port"`
	Username          string        `json:"username"`
	PasswordSecretID  string        `json:"passwordSecretId"`
	UseTLS            bool          `json:"useTls"`
	UsePassiveMode    bool          `json:"usePassiveMode"`
	ConnectionTimeout time.Duration `json:"connectionTimeout"`
}

// Validate checks FTP settings invariants.
func (s *FTPSettings) Validate() error {
	if strings.TrimSpace(s.Server) == "" {
		return ErrFTPMissingServer
	}
	if s.Port < 1 || s.Port > 65535 {
		return ErrFTPInvalidPort
	}
	return nil
}

// HTTPSSettings configures an HTTPS endpoint.
type HTTPSSettings struct {
	BaseURL           string        `json:"baseUrl"`
	AuthType          HTTPSAuthType `json:"authType"`
	UsernameOrKey     string        `json:"usernameOrKey,omitempty"`
	SecretID          string        `json:"secretId,omitempty"`
	ConnectionTimeout time.Duration `json:"connectionTimeout"`
	FollowRedirects   bool          `json:"followRedirects"`
	MaxRedirects      int           `json:"maxRedirects"`
}

// Validate checks HTTPS settings invariants.
func (s *HTTPSSettings) Validate() error {
	if !strings.HasPrefix(s.BaseURL, "https://") {
		return ErrHTTPSBaseURLScheme
	}
	if len(s.BaseURL) > 500 {
		return ErrHTTPSBaseURLTooLong
	}
	switch s.AuthType {
	case HTTPSAuthNone, HTTPSAuthUsernamePassword, HTTPSAuthBearerToken, HTTPSAuthAPIKey:
	default:
		return ErrHTTPSInvalidAuthType
	}
	if len(s.UsernameOrKey) > 200 {
		return ErrHTTPSUsernameTooLong
	}
	if len(s.SecretID) > 200 {
		return ErrHTTPSSecretIDTooLong
	}
	if s.MaxRedirects < 0 || s.MaxRedirects > 10 {
		return ErrHTTPSInvalidRedirects
	}
	return nil
}

// AzureBlobSettings configures an Azure Blob Storage endpoint.
type AzureBlobSettings struct {
	StorageAccount           string        `json:"storageAccount"`
	Container                string        `json:"container"`
	AuthType                 AzureAuthType `json:"authType"`
	ConnectionStringSecretID string        `json:"connectionStringSecretId,omitempty"`
	SasTokenSecretID         string        `json:"sasTokenSecretId,omitempty"`
	ClientIDSecretID         string        `json:"clientIdSecretId,omitempty"`
	ClientSecretSecretID     string        `json:"clientSecretSecretId,omitempty"`
	TenantIDSecretID         string        `json:"tenantIdSecretId,omitempty"`
	BlobPrefix               string        `json:"blobPrefix,omitempty"`
}

// Validate checks Azure Blob settings invariants.
func (s *AzureBlobSettings) Validate() error {
	if strings.TrimSpace(s.StorageAccount) == "" {
		return ErrAzureMissingAccount
	}
	if strings.TrimSpace(s.Container) == "" {
		return ErrAzureMissingContainer
	}
	switch s.AuthType {
	case AzureAuthConnectionString:
		if s.ConnectionStringSecretID == "" {
			return ErrAzureMissingSecretID
		}
	case AzureAuthSasToken:
		if s.SasTokenSecretID == "" {
			return ErrAzureMissingSecretID
		}
	case AzureAuthManagedIdentity:
		// No secret material required.
	case AzureAuthServicePrincipal:
		if s.ClientIDSecretID == "" || s.ClientSecretSecretID == "" || s.TenantIDSecretID == "" {
			return ErrAzureMissingSecretID
		}
	default:
		return ErrAzureInvalidAuthType
	}
	return nil
}

// Validate checks that exactly the variant matching protocol is set and that
// the variant itself is valid.
func (ps *ProtocolSettings) Validate(protocol Protocol) error {
	switch protocol {
	case ProtocolFTP:
		if ps.FTP == nil {
			return ErrMissingProtocolSettings
		}
		return ps.FTP.Validate()
	case ProtocolHTTPS:
		if ps.HTTPS == nil {
			return ErrMissingProtocolSettings
		}
		return ps.HTTPS.Validate()
	case ProtocolAzureBlob:
		if ps.AzureBlob == nil {
			return ErrMissingProtocolSettings
		}
		return ps.AzureBlob.Validate()
	default:
		return fmt.Errorf("unknown protocol %q", protocol)
	}
}
