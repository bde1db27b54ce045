package artifact

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreSavesScreenshot(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	store, err := NewLocalStore(fsys, "/var/artifacts", "/artifacts")
	require.NoError(t, err)

	url, err := store.SaveScreenshot(context.Background(), "response_timeout", []byte("png-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/artifacts/screenshots/response_timeout-"), url)

	content, err := afero.ReadFile(fsys, filepath.Join("/var/artifacts", "screenshots", filepath.Base(url)))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(content))

	leftovers, err := afero.Glob(fsys, "/var/artifacts/screenshots/*.tmp")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestLocalStoreSanitizesLabel(t *testing.T) {
	t.Parallel()

	store, err := NewLocalStore(afero.NewMemMapFs(), "/a", "artifacts/")
	require.NoError(t, err)

	url, err := store.SaveScreenshot(context.Background(), "../../etc/passwd", []byte("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/artifacts/screenshots/"), url)
	assert.NotContains(t, strings.TrimPrefix(url, "/artifacts/screenshots/"), "/")
	assert.NotContains(t, url, "..")
}

func TestLocalStoreRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	_, err := NewLocalStore(afero.NewMemMapFs(), " ", "")
	require.Error(t, err)

	store, err := NewLocalStore(afero.NewMemMapFs(), "/a", "")
	require.NoError(t, err)
	_, err = store.SaveScreenshot(context.Background(), "x", nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.SaveScreenshot(ctx, "x", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalStoreHandlerServesSavedFile(t *testing.T) {
	t.Parallel()

	store, err := NewLocalStore(afero.NewMemMapFs(), "/var/artifacts", "/artifacts")
	require.NoError(t, err)
	url, err := store.SaveScreenshot(context.Background(), "shot", []byte("png-bytes"))
	require.NoError(t, err)

	server := httptest.NewServer(http.StripPrefix("/artifacts", store.Handler()))
	defer server.Close()

	resp, err := http.Get(server.URL + url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(body))
}
