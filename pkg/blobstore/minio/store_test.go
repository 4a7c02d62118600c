package minio

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrationMinioStore(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_ENDPOINT not set")
	}
	ctx := context.Background()
	store, err := New(ctx, config.BlobStoreConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    "index-worker-test",
		Prefix:    fmt.Sprintf("run-%d", time.Now().UnixNano()),
	})
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "seg/1/data", []byte("payload")))
	got, err := store.Get(ctx, "seg/1/data")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	keys, err := store.List(ctx, "seg/")
	require.NoError(t, err)
	assert.Equal(t, []string{"seg/1/data"}, keys)

	require.NoError(t, store.Delete(ctx, "seg/1/data"))
	_, err = store.Get(ctx, "seg/1/data")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
