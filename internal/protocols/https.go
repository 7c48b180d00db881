package protocols

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/filescout/filescout/internal/models"
	"github.com/filescout/filescout/internal/secrets"
)

// HTTPSAdapter lists and downloads files from an HTTPS endpoint. Listings
// come either from probing the single candidate URL (exact filename) or
// from parsing the anchor hrefs of a directory index (wildcard filename).
type HTTPSAdapter struct {
	settings *models.HTTPSSettings
	resolver secrets.Resolver
}

// NewHTTPSAdapter creates an adapter for the given settings.
func NewHTTPSAdapter(settings *models.HTTPSSettings, resolver secrets.Resolver) *HTTPSAdapter {
	return &HTTPSAdapter{settings: settings, resolver: resolver}
}

// client builds the HTTP client honoring the configured timeout and
// redirect policy. Transport-level retries are disabled: the file-check
// pipeline owns the retry schedule.
func (a *HTTPSAdapter) client() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil

	timeout := a.settings.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rc.HTTPClient.Timeout = timeout

	client := rc.StandardClient()
	maxRedirects := a.settings.MaxRedirects
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if !a.settings.FollowRedirects || maxRedirects == 0 {
			return http.ErrUseLastResponse
		}
		if len(via) > maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return client
}

// authorize attaches the configured credentials to req.
func (a *HTTPSAdapter) authorize(ctx context.Context, req *http.Request) error {
	switch a.settings.AuthType {
	case models.HTTPSAuthNone:
		return nil
	case models.HTTPSAuthUsernamePassword:
		password, err := a.resolver.ResolveSecret(ctx, a.settings.SecretID)
		if err != nil {
			return models.NewCategorizedError(models.ErrorCategoryAuthentication,
				fmt.Errorf("failed to resolve password: %w", err))
		}
		req.SetBasicAuth(a.settings.UsernameOrKey, password)
	case models.HTTPSAuthBearerToken:
		token, err := a.resolver.ResolveSecret(ctx, a.settings.SecretID)
		if err != nil {
			return models.NewCategorizedError(models.ErrorCategoryAuthentication,
				fmt.Errorf("failed to resolve token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case models.HTTPSAuthAPIKey:
		key := a.settings.UsernameOrKey
		if a.settings.SecretID != "" {
			resolved, err := a.resolver.ResolveSecret(ctx, a.settings.SecretID)
			if err != nil {
				return models.NewCategorizedError(models.ErrorCategoryAuthentication,
					fmt.Errorf("failed to resolve api key: %w", err))
			}
			key = resolved
		}
		req.Header.Set("X-Api-Key", key)
	}
	return nil
}

// List implements Adapter.
func (a *HTTPSAdapter) List(ctx context.Context, req ListRequest) ([]models.RemoteFile, error) {
	dirURL, err := joinURL(a.settings.BaseURL, req.Path)
	if err != nil {
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol, err)
	}

	if !strings.Contains(req.Filename, "*") {
		return a.probeSingle(ctx, dirURL, req)
	}
	return a.listIndex(ctx, dirURL, req)
}

// probeSingle checks for the one candidate file named by the pattern.
// A miss is an empty listing, not an error.
func (a *HTTPSAdapter) probeSingle(ctx context.Context, dirURL string, req ListRequest) ([]models.RemoteFile, error) {
	if !MatchesExtension(req.Filename, req.Extension) {
		return nil, nil
	}
	fileURL, err := joinURL(dirURL, req.Filename)
	if err != nil {
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol, err)
	}

	resp, err := a.do(ctx, http.MethodHead, fileURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		if resp, err = a.do(ctx, http.MethodGet, fileURL); err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication,
			fmt.Errorf("server returned %s", resp.Status))
	case resp.StatusCode >= 300:
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol,
			fmt.Errorf("unexpected status %s for %s", resp.Status, fileURL))
	}

	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	lastModified, _ := http.ParseTime(resp.Header.Get("Last-Modified"))
	return []models.RemoteFile{{
		FileURL:      fileURL,
		Filename:     req.Filename,
		Size:         size,
		LastModified: lastModified,
	}}, nil
}

var hrefPattern = regexp.MustCompile(`(?i)href\s*=\s*"([^"]+)"`)

// listIndex fetches the directory index and matches its anchors against the
// wildcard pattern.
func (a *HTTPSAdapter) listIndex(ctx context.Context, dirURL string, req ListRequest) ([]models.RemoteFile, error) {
	resp, err := a.do(ctx, http.MethodGet, dirURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication,
			fmt.Errorf("server returned %s", resp.Status))
	case resp.StatusCode >= 300:
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol,
			fmt.Errorf("unexpected status %s for %s", resp.Status, dirURL))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, classifyHTTPError(err)
	}

	seen := make(map[string]bool)
	var out []models.RemoteFile
	for _, m := range hrefPattern.FindAllStringSubmatch(string(body), -1) {
		href := m[1]
		name := lastSegment(href)
		if name == "" || name == "." || name == "/" || strings.HasSuffix(href, "/") {
			continue
		}
		if decoded, err := url.PathUnescape(name); err == nil {
			name = decoded
		}
		if seen[name] || !matches(name, req) {
			continue
		}
		seen[name] = true

		fileURL, err := joinURL(dirURL, name)
		if err != nil {
			continue
		}
		out = append(out, models.RemoteFile{FileURL: fileURL, Filename: name})
	}
	return out, nil
}

// Download implements Adapter.
func (a *HTTPSAdapter) Download(ctx context.Context, fileURL string) ([]byte, error) {
	resp, err := a.do(ctx, http.MethodGet, fileURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication,
			fmt.Errorf("server returned %s", resp.Status))
	case resp.StatusCode >= 300:
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol,
			fmt.Errorf("unexpected status %s for %s", resp.Status, fileURL))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	if len(data) == 0 {
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol, ErrEmptyDownload)
	}
	return data, nil
}

func (a *HTTPSAdapter) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol, err)
	}
	if err := a.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	return resp, nil
}

// classifyHTTPError maps transport failures onto the shared categories.
func classifyHTTPError(err error) error {
	var netErr net.Error
	if asNetError(err, &netErr) && netErr.Timeout() {
		return models.NewCategorizedError(models.ErrorCategoryConnectionTimeout, err)
	}
	if os.IsTimeout(err) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return models.NewCategorizedError(models.ErrorCategoryConnectionTimeout, err)
	}
	return models.NewCategorizedError(models.ErrorCategoryProtocol, err)
}

// joinURL appends elem to base, preserving the base's query-free form.
func joinURL(base, elem string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", base, err)
	}
	return u.JoinPath(elem).String(), nil
}

func lastSegment(p string) string {
	p = strings.TrimSuffix(p, "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}
