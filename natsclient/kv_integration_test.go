//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_Integration(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("spicepods"))
	ctx := context.Background()

	bucket, err := tc.Client.GetKeyValueBucket(ctx, "spicepods")
	require.NoError(t, err)
	kv := NewKVStore(bucket, nil)

	t.Run("missing key", func(t *testing.T) {
		_, err := kv.Get(ctx, "absent")
		assert.ErrorIs(t, err, ErrKVKeyNotFound)
	})

	t.Run("put and get", func(t *testing.T) {
		rev, err := kv.Put(ctx, "pod", []byte("name: demo"))
		require.NoError(t, err)

		entry, err := kv.Get(ctx, "pod")
		require.NoError(t, err)
		assert.Equal(t, rev, entry.Revision)
		assert.Equal(t, "name: demo", string(entry.Value))
	})

	t.Run("get json", func(t *testing.T) {
		_, err := kv.Put(ctx, "s3", []byte(`{"key":"AKIA"}`))
		require.NoError(t, err)
		var out map[string]string
		require.NoError(t, kv.GetJSON(ctx, "s3", &out))
		assert.Equal(t, "AKIA", out["key"])
	})

	t.Run("value too large", func(t *testing.T) {
		small := NewKVStore(bucket, nil, func(o *KVOptions) { o.MaxValueSize = 4 })
		_, err := small.Put(ctx, "big", []byte("12345"))
		assert.ErrorIs(t, err, ErrValueTooLarge)
	})

	t.Run("watch sees updates", func(t *testing.T) {
		watchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		w, err := kv.Watch(watchCtx, "watched")
		require.NoError(t, err)
		defer func() { _ = w.Stop() }()

		// initial values end with a nil marker
		for e := range w.Updates() {
			if e == nil {
				break
			}
		}

		_, err = kv.Put(ctx, "watched", []byte("v1"))
		require.NoError(t, err)

		select {
		case e := <-w.Updates():
			require.NotNil(t, e)
			assert.Equal(t, "v1", string(e.Value()))
		case <-watchCtx.Done():
			t.Fatal("no update received")
		}
	})

	t.Run("deleted key reads as missing", func(t *testing.T) {
		require.NoError(t, bucket.Delete(ctx, "pod"))
		_, err := kv.Get(ctx, "pod")
		assert.ErrorIs(t, err, ErrKVKeyNotFound)
	})
}
