package protocols

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/filescout/filescout/internal/models"
	"github.com/filescout/filescout/internal/secrets"
)

// FTPAdapter lists and downloads files over FTP or FTPS.
type FTPAdapter struct {
	settings *models.FTPSettings
	resolver secrets.Resolver
}

// NewFTPAdapter creates an adapter for the given settings.
func NewFTPAdapter(settings *models.FTPSettings, resolver secrets.Resolver) *FTPAdapter {
	return &FTPAdapter{settings: settings, resolver: resolver}
}

// connect dials, negotiates TLS when configured, and logs in. The caller
// must Quit the returned connection.
func (a *FTPAdapter) connect(ctx context.Context) (*ftp.ServerConn, error) {
	timeout := a.settings.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(timeout),
	}
	if a.settings.UseTLS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName: a.settings.Server,
			MinVersion: tls.VersionTLS12,
		}))
	}
	if !a.settings.UsePassiveMode {
		// The client is passive by default; disabling EPSV forces the
		// legacy PASV negotiation for servers that need it.
		opts = append(opts, ftp.DialWithDisabledEPSV(true))
	}

	addr := net.JoinHostPort(a.settings.Server, fmt.Sprintf("%d", a.settings.Port))
	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, classifyFTPError(err)
	}

	password, err := a.resolver.ResolveSecret(ctx, a.settings.PasswordSecretID)
	if err != nil {
		conn.Quit()
		return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication,
			fmt.Errorf("failed to resolve FTP password: %w", err))
	}
	if err := conn.Login(a.settings.Username, password); err != nil {
		conn.Quit()
		return nil, classifyFTPError(err)
	}
	return conn, nil
}

// List implements Adapter.
func (a *FTPAdapter) List(ctx context.Context, req ListRequest) ([]models.RemoteFile, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	entries, err := conn.List(req.Path)
	if err != nil {
		return nil, classifyFTPError(err)
	}

	var out []models.RemoteFile
	for _, entry := range entries {
		if entry.Type != ftp.EntryTypeFile {
			continue
		}
		if !matches(entry.Name, req) {
			continue
		}
		out = append(out, models.RemoteFile{
			FileURL:      a.fileURL(req.Path, entry.Name),
			Filename:     entry.Name,
			Size:         int64(entry.Size),
			LastModified: entry.Time,
		})
	}
	return out, nil
}

// Download implements Adapter.
func (a *FTPAdapter) Download(ctx context.Context, fileURL string) ([]byte, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol,
			fmt.Errorf("invalid FTP file URL %q: %w", fileURL, err))
	}

	conn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	resp, err := conn.Retr(u.Path)
	if err != nil {
		return nil, classifyFTPError(err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, classifyFTPError(err)
	}
	if len(data) == 0 {
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol, ErrEmptyDownload)
	}
	return data, nil
}

// fileURL builds the canonical URL for a listed entry.
func (a *FTPAdapter) fileURL(dir, name string) string {
	scheme := "ftp"
	if a.settings.UseTLS {
		scheme = "ftps"
	}
	host := a.settings.Server
	if a.settings.Port != 21 {
		host = net.JoinHostPort(a.settings.Server, fmt.Sprintf("%d", a.settings.Port))
	}
	full := path.Join("/", dir, name)
	return fmt.Sprintf("%s://%s%s", scheme, host, full)
}

// classifyFTPError maps transport failures onto the shared categories.
func classifyFTPError(err error) error {
	if err == nil {
		return nil
	}

	var protoErr *textproto.Error
	if ok := asTextprotoError(err, &protoErr); ok {
		switch protoErr.Code {
		case ftp.StatusNotLoggedIn, 430, 332:
			return models.NewCategorizedError(models.ErrorCategoryAuthentication, err)
		default:
			return models.NewCategorizedError(models.ErrorCategoryProtocol, err)
		}
	}

	var netErr net.Error
	if asNetError(err, &netErr) && netErr.Timeout() {
		return models.NewCategorizedError(models.ErrorCategoryConnectionTimeout, err)
	}
	if os.IsTimeout(err) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return models.NewCategorizedError(models.ErrorCategoryConnectionTimeout, err)
	}
	return models.NewCategorizedError(models.ErrorCategoryProtocol, err)
}
