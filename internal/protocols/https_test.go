package protocols

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filescout/filescout/internal/models"
	"github.com/filescout/filescout/internal/secrets"
)

func newHTTPSAdapter(baseURL string, mutate func(*models.HTTPSSettings)) *HTTPSAdapter {
	settings := &models.HTTPSSettings{
		BaseURL:           baseURL,
		AuthType:          models.HTTPSAuthNone,
		ConnectionTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(settings)
	}
	return NewHTTPSAdapter(settings, secrets.StaticResolver{
		"api-token": "sekrit",
	})
}

func TestHTTPSListProbesExactFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/exports/report.csv", r.URL.Path)
		w.Header().Set("Content-Length", "1234")
		w.Header().Set("Last-Modified", "Wed, 25 Mar 2026 10:00:00 GMT")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, nil)
	files, err := a.List(context.Background(), ListRequest{Path: "exports", Filename: "report.csv"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "report.csv", files[0].Filename)
	assert.Equal(t, int64(1234), files[0].Size)
	assert.Equal(t, srv.URL+"/exports/report.csv", files[0].FileURL)
	assert.Equal(t, 2026, files[0].LastModified.Year())
}

func TestHTTPSListMissingFileIsEmptyNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, nil)
	files, err := a.List(context.Background(), ListRequest{Path: "exports", Filename: "missing.csv"})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestHTTPSListFallsBackToGetOnMethodNotAllowed(t *testing.T) {
	var sawGet bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sawGet = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, nil)
	files, err := a.List(context.Background(), ListRequest{Path: "", Filename: "data.bin"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, sawGet)
}

func TestHTTPSListWildcardParsesIndex(t *testing.T) {
	const index = `<html><body>
		<a href="../">Parent</a>
		<a href="subdir/">subdir/</a>
		<a href="report_20260324.csv">report_20260324.csv</a>
		<a href="report_20260325.csv">report_20260325.csv</a>
		<a href="notes.txt">notes.txt</a>
	</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(index))
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, nil)
	files, err := a.List(context.Background(), ListRequest{
		Path:      "exports",
		Filename:  "report_*.csv",
		Extension: "csv",
	})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "report_20260324.csv", files[0].Filename)
	assert.Equal(t, "report_20260325.csv", files[1].Filename)
	assert.Equal(t, srv.URL+"/exports/report_20260324.csv", files[0].FileURL)
}

func TestHTTPSUnauthorizedIsAuthenticationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, nil)
	_, err := a.List(context.Background(), ListRequest{Filename: "report.csv"})
	require.Error(t, err)
	assert.Equal(t, models.ErrorCategoryAuthentication, models.CategoryOf(err))
	assert.False(t, models.CategoryOf(err).IsRetryable())
}

func TestHTTPSServerErrorIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, nil)
	_, err := a.Download(context.Background(), srv.URL+"/exports/report.csv")
	require.Error(t, err)
	assert.Equal(t, models.ErrorCategoryProtocol, models.CategoryOf(err))
	assert.True(t, models.CategoryOf(err).IsRetryable())
}

func TestHTTPSDownloadRejectsEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, nil)
	_, err := a.Download(context.Background(), srv.URL+"/empty.csv")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyDownload))
	assert.Equal(t, models.ErrorCategoryProtocol, models.CategoryOf(err))
}

func TestHTTPSDownloadReturnsBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("col1,col2\n1,2\n"))
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, nil)
	data, err := a.Download(context.Background(), srv.URL+"/report.csv")
	require.NoError(t, err)
	assert.Equal(t, "col1,col2\n1,2\n", string(data))
}

func TestHTTPSBearerTokenAttached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, func(s *models.HTTPSSettings) {
		s.AuthType = models.HTTPSAuthBearerToken
		s.SecretID = "api-token"
	})
	data, err := a.Download(context.Background(), srv.URL+"/file.bin")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestHTTPSBasicAuthAttached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "svc" || pass != "sekrit" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, func(s *models.HTTPSSettings) {
		s.AuthType = models.HTTPSAuthUsernamePassword
		s.UsernameOrKey = "svc"
		s.SecretID = "api-token"
	})
	data, err := a.Download(context.Background(), srv.URL+"/file.bin")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestHTTPSUnresolvableSecretIsAuthenticationFailure(t *testing.T) {
	a := newHTTPSAdapter("https://example.invalid", func(s *models.HTTPSSettings) {
		s.AuthType = models.HTTPSAuthBearerToken
		s.SecretID = "no-such-secret"
	})
	_, err := a.Download(context.Background(), "https://example.invalid/file.bin")
	require.Error(t, err)
	assert.Equal(t, models.ErrorCategoryAuthentication, models.CategoryOf(err))
	assert.True(t, errors.Is(err, secrets.ErrSecretNotFound))
}

func TestHTTPSRedirectsNotFollowedWhenDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, func(s *models.HTTPSSettings) {
		s.FollowRedirects = false
	})
	_, err := a.Download(context.Background(), srv.URL+"/file.bin")
	require.Error(t, err)
	assert.Equal(t, models.ErrorCategoryProtocol, models.CategoryOf(err))
}

func TestHTTPSRedirectsFollowedUpToLimit(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop", http.StatusFound)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("arrived"))
	})

	a := newHTTPSAdapter(srv.URL, func(s *models.HTTPSSettings) {
		s.FollowRedirects = true
		s.MaxRedirects = 3
	})
	data, err := a.Download(context.Background(), srv.URL+"/start")
	require.NoError(t, err)
	assert.Equal(t, "arrived", string(data))

	tight := newHTTPSAdapter(srv.URL, func(s *models.HTTPSSettings) {
		s.FollowRedirects = true
		s.MaxRedirects = 1
	})
	_, err = tight.Download(context.Background(), srv.URL+"/start")
	require.Error(t, err)
}

func TestHTTPSConnectionTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	a := newHTTPSAdapter(srv.URL, func(s *models.HTTPSSettings) {
		s.ConnectionTimeout = 20 * time.Millisecond
	})
	_, err := a.Download(context.Background(), srv.URL+"/slow.bin")
	require.Error(t, err)
	assert.Equal(t, models.ErrorCategoryConnectionTimeout, models.CategoryOf(err))
	assert.True(t, models.CategoryOf(err).IsRetryable())
}
