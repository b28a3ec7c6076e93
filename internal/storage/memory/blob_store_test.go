package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "bili/go/item.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://bili/go/item.json", uri)

	payload[0] = 'C'
	stored, ok := store.Object("bili/go/item.json")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, []string{"bili/go/item.json"}, store.Paths())
}
