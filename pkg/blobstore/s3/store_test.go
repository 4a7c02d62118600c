package s3

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

func TestIntegrationS3Store(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("S3_BUCKET not set")
	}
	ctx := context.Background()
	store, err := New(ctx, config.BlobStoreConfig{
		Bucket:   bucket,
		Region:   os.Getenv("AWS_REGION"),
		Endpoint: os.Getenv("S3_ENDPOINT"),
		Prefix:   fmt.Sprintf("index-worker-test-%d", time.Now().UnixNano()),
	})
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "seg/1/deletes-1", []byte{1, 2, 3}))
	got, err := store.Get(ctx, "seg/1/deletes-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	require.NoError(t, store.Delete(ctx, "seg/1/deletes-1"))
	_, err = store.Get(ctx, "seg/1/deletes-1")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
