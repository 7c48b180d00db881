// Package protocols implements the remote-endpoint adapters. Each protocol
// (FTP/FTPS, HTTPS, Azure Blob) exposes the same two operations: list the
// files matching an expanded path and filename pattern, and download one
// file's bytes. Adapters are stateless; credentials are resolved from the
// secret store inside the call and live only on the call stack. Retry is
// the pipeline's concern, not the adapter's.
package protocols

import (
	"context"
	"errors"
	"fmt"

	"github.com/filescout/filescout/internal/models"
	"github.com/filescout/filescout/internal/secrets"
)

// ErrEmptyDownload is returned when a transfer yields zero bytes.
var ErrEmptyDownload = errors.New("download produced no bytes")

// ListRequest names the already-expanded patterns an adapter should match.
type ListRequest struct {
	// Path is the directory or prefix to enumerate, tokens expanded.
	Path string
	// Filename is the name to match, tokens expanded. Case-insensitive
	// exact match, or glob semantics when it contains '*'.
	Filename string
	// Extension, when set, additionally requires the ".<ext>" suffix.
	Extension string
}

// Adapter is the protocol-agnostic capability the file-check pipeline uses.
type Adapter interface {
	// List enumerates the remote path and returns the entries matching the
	// request. Order is not guaranteed.
	List(ctx context.Context, req ListRequest) ([]models.RemoteFile, error)

	// Download fetches the bytes of one file URL under the same
	// credentials as List. A zero-byte transfer is a failure.
	Download(ctx context.Context, fileURL string) ([]byte, error)
}

// ForConfiguration resolves the adapter for a configuration's protocol tag.
func ForConfiguration(cfg *models.RetrievalConfiguration, resolver secrets.Resolver) (Adapter, error) {
	switch cfg.Protocol {
	case models.ProtocolFTP:
		if cfg.Settings.FTP == nil {
			return nil, models.ErrMissingProtocolSettings
		}
		return NewFTPAdapter(cfg.Settings.FTP, resolver), nil
	case models.ProtocolHTTPS:
		if cfg.Settings.HTTPS == nil {
			return nil, models.ErrMissingProtocolSettings
		}
		return NewHTTPSAdapter(cfg.Settings.HTTPS, resolver), nil
	case models.ProtocolAzureBlob:
		if cfg.Settings.AzureBlob == nil {
			return nil, models.ErrMissingProtocolSettings
		}
		return NewAzureBlobAdapter(cfg.Settings.AzureBlob, resolver), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
}
