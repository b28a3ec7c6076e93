package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-crawler/internal/crawler"
)

func TestNewMemory(t *testing.T) {
	t.Parallel()

	c, err := New(context.Background(), TypeMemory, Options{CronInterval: time.Second})
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Minute))
	require.NoError(t, c.Close())
}

func TestNewUnknownType(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "memcached", Options{})
	require.ErrorIs(t, err, crawler.ErrUnknownCacheType)
}
