package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *ScreenshotStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestSaveScreenshotUploadsObject(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/shots/o")
		assert.Equal(t, "pagewatch/s1_load_1700000000000.png", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "png-bytes")
		assert.Contains(t, string(body), "image/png")
		fmt.Fprintln(w, `{"name": "pagewatch/s1_load_1700000000000.png", "bucket": "shots"}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "shots", Prefix: "/pagewatch/"})

	uri, err := store.SaveScreenshot(context.Background(), "s1_load_1700000000000.png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "gs://shots/pagewatch/s1_load_1700000000000.png", uri)
}

func TestSaveScreenshotSurfacesServerErrors(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler, Config{Bucket: "shots"})

	_, err := store.SaveScreenshot(context.Background(), "s1_load_1.png", []byte("png"))
	assert.Error(t, err)
	_, err = store.SaveScreenshot(context.Background(), " ", []byte("png"))
	assert.Error(t, err)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	assert.Error(t, err)
}
