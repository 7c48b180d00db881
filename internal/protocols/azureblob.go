package protocols

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/filescout/filescout/internal/models"
	"github.com/filescout/filescout/internal/secrets"
)

// AzureBlobAdapter lists and downloads blobs from a storage container.
// Listings run a flat enumeration under the configured prefix joined with
// the expanded path; matching happens on the final segment of each blob name.
type AzureBlobAdapter struct {
	settings *models.AzureBlobSettings
	resolver secrets.Resolver
}

// NewAzureBlobAdapter creates an adapter for the given settings.
func NewAzureBlobAdapter(settings *models.AzureBlobSettings, resolver secrets.Resolver) *AzureBlobAdapter {
	return &AzureBlobAdapter{settings: settings, resolver: resolver}
}

// serviceClient builds the blob service client for the configured auth mode.
func (a *AzureBlobAdapter) serviceClient(ctx context.Context) (*azblob.Client, error) {
	accountURL := fmt.Sprintf("https://%s.blob.core.windows.net/", a.settings.StorageAccount)

	switch a.settings.AuthType {
	case models.AzureAuthConnectionString:
		connStr, err := a.resolver.ResolveSecret(ctx, a.settings.ConnectionStringSecretID)
		if err != nil {
			return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication,
				fmt.Errorf("failed to resolve connection string: %w", err))
		}
		client, err := azblob.NewClientFromConnectionString(connStr, nil)
		if err != nil {
			return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication, err)
		}
		return client, nil

	case models.AzureAuthSasToken:
		sas, err := a.resolver.ResolveSecret(ctx, a.settings.SasTokenSecretID)
		if err != nil {
			return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication,
				fmt.Errorf("failed to resolve SAS token: %w", err))
		}
		client, err := azblob.NewClientWithNoCredential(accountURL+"?"+strings.TrimPrefix(sas, "?"), nil)
		if err != nil {
			return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication, err)
		}
		return client, nil

	case models.AzureAuthManagedIdentity:
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication, err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication, err)
		}
		return client, nil

	case models.AzureAuthServicePrincipal:
		tenantID, err := a.resolver.ResolveSecret(ctx, a.settings.TenantIDSecretID)
		if err != nil {
			return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication,
				fmt.Errorf("failed to resolve tenant id: %w", err))
		}
		clientID, err := a.resolver.ResolveSecret(ctx, a.settings.ClientIDSecretID)
		if err != nil {
			return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication,
				fmt.Errorf("failed to resolve client id: %w", err))
		}
		clientSecret, err := a.resolver.ResolveSecret(ctx, a.settings.ClientSecretSecretID)
		if err != nil {
			return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication,
				fmt.Errorf("failed to resolve client secret: %w", err))
		}
		cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
		if err != nil {
			return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication, err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, models.NewCategorizedError(models.ErrorCategoryAuthentication, err)
		}
		return client, nil

	default:
		return nil, models.NewCategorizedError(models.ErrorCategoryConfiguration,
			fmt.Errorf("unknown Azure auth type %q", a.settings.AuthType))
	}
}

// prefix joins the configured blob prefix with the expanded path.
func (a *AzureBlobAdapter) prefix(reqPath string) string {
	joined := path.Join(a.settings.BlobPrefix, reqPath)
	joined = strings.Trim(joined, "/")
	if joined == "" || joined == "." {
		return ""
	}
	return joined + "/"
}

// List implements Adapter.
func (a *AzureBlobAdapter) List(ctx context.Context, req ListRequest) ([]models.RemoteFile, error) {
	client, err := a.serviceClient(ctx)
	if err != nil {
		return nil, err
	}

	prefix := a.prefix(req.Path)
	pager := client.NewListBlobsFlatPager(a.settings.Container, &container.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	var out []models.RemoteFile
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classifyAzureError(err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			blobName := *item.Name
			filename := path.Base(blobName)
			if !matches(filename, req) {
				continue
			}
			file := models.RemoteFile{
				FileURL:  a.blobURL(blobName),
				Filename: filename,
			}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					file.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					file.LastModified = *item.Properties.LastModified
				}
			}
			out = append(out, file)
		}
	}
	return out, nil
}

// Download implements Adapter. fileURL is the canonical blob URL produced by
// List; the blob name is everything after the container segment.
func (a *AzureBlobAdapter) Download(ctx context.Context, fileURL string) ([]byte, error) {
	blobName, err := a.blobNameFromURL(fileURL)
	if err != nil {
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol, err)
	}

	client, err := a.serviceClient(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.DownloadStream(ctx, a.settings.Container, blobName, nil)
	if err != nil {
		return nil, classifyAzureError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyAzureError(err)
	}
	if len(data) == 0 {
		return nil, models.NewCategorizedError(models.ErrorCategoryProtocol, ErrEmptyDownload)
	}
	return data, nil
}

// blobURL builds the canonical URL for a blob name.
func (a *AzureBlobAdapter) blobURL(blobName string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s",
		a.settings.StorageAccount, a.settings.Container, blobName)
}

// blobNameFromURL strips the account host and container segment back off.
func (a *AzureBlobAdapter) blobNameFromURL(fileURL string) (string, error) {
	marker := "/" + a.settings.Container + "/"
	idx := strings.Index(fileURL, marker)
	if idx < 0 {
		return "", fmt.Errorf("blob URL %q does not reference container %q", fileURL, a.settings.Container)
	}
	name := fileURL[idx+len(marker):]
	if name == "" {
		return "", fmt.Errorf("blob URL %q has no blob name", fileURL)
	}
	return name, nil
}

// classifyAzureError maps service failures onto the shared categories.
func classifyAzureError(err error) error {
	if err == nil {
		return nil
	}
	if bloberror.HasCode(err,
		bloberror.AuthenticationFailed,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.InvalidAuthenticationInfo,
		bloberror.InsufficientAccountPermissions) {
		return models.NewCategorizedError(models.ErrorCategoryAuthentication, err)
	}
	var respErr *azcore.ResponseError
	if asResponseError(err, &respErr) {
		switch respErr.StatusCode {
		case 401, 403:
			return models.NewCategorizedError(models.ErrorCategoryAuthentication, err)
		case 408, 503:
			return models.NewCategorizedError(models.ErrorCategoryConnectionTimeout, err)
		}
		return models.NewCategorizedError(models.ErrorCategoryProtocol, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return models.NewCategorizedError(models.ErrorCategoryConnectionTimeout, err)
	}
	return models.NewCategorizedError(models.ErrorCategoryProtocol, err)
}
