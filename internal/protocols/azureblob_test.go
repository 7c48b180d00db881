package protocols

import (
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filescout/filescout/internal/models"
)

func newBlobAdapter(prefix string) *AzureBlobAdapter {
	return NewAzureBlobAdapter(&models.AzureBlobSettings{
		StorageAccount: "acct",
		Container:      "inbound",
		AuthType:       models.AzureAuthManagedIdentity,
		BlobPrefix:     prefix,
	}, nil)
}

func TestAzureBlobPrefix(t *testing.T) {
	a := newBlobAdapter("clients/acme")
	assert.Equal(t, "clients/acme/exports/", a.prefix("exports"))
	assert.Equal(t, "clients/acme/", a.prefix(""))
	assert.Equal(t, "clients/acme/exports/", a.prefix("/exports/"))

	bare := newBlobAdapter("")
	assert.Equal(t, "exports/", bare.prefix("exports"))
	assert.Equal(t, "", bare.prefix(""))
}

func TestAzureBlobURLRoundTrip(t *testing.T) {
	a := newBlobAdapter("")
	url := a.blobURL("exports/report_20260325.csv")
	assert.Equal(t, "https://acct.blob.core.windows.net/inbound/exports/report_20260325.csv", url)

	name, err := a.blobNameFromURL(url)
	require.NoError(t, err)
	assert.Equal(t, "exports/report_20260325.csv", name)
}

func TestAzureBlobNameFromURLRejectsForeignContainer(t *testing.T) {
	a := newBlobAdapter("")
	_, err := a.blobNameFromURL("https://acct.blob.core.windows.net/other/report.csv")
	assert.Error(t, err)

	_, err = a.blobNameFromURL("https://acct.blob.core.windows.net/inbound/")
	assert.Error(t, err)
}

func TestClassifyAzureError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorCategory
	}{
		{"auth error code", &azcore.ResponseError{StatusCode: 403, ErrorCode: "AuthenticationFailed"}, models.ErrorCategoryAuthentication},
		{"forbidden status", &azcore.ResponseError{StatusCode: 403}, models.ErrorCategoryAuthentication},
		{"unauthorized status", &azcore.ResponseError{StatusCode: 401}, models.ErrorCategoryAuthentication},
		{"server busy", &azcore.ResponseError{StatusCode: 503, ErrorCode: "ServerBusy"}, models.ErrorCategoryConnectionTimeout},
		{"missing container", &azcore.ResponseError{StatusCode: 404, ErrorCode: "ContainerNotFound"}, models.ErrorCategoryProtocol},
		{"timeout text", errors.New("context deadline exceeded (Client.Timeout)"), models.ErrorCategoryConnectionTimeout},
		{"generic", errors.New("unexpected EOF"), models.ErrorCategoryProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyAzureError(tt.err)
			assert.Equal(t, tt.want, models.CategoryOf(got))
		})
	}
}
