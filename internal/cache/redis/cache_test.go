package redis

import (
	"context"
	"path"
	"sort"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeClient) Get(_ context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value any, exp time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = string(value.([]byte))
	f.ttls[key] = exp
	return goredis.NewStatusResult("OK", nil)
}

// Scan returns one key per call to exercise cursor iteration.
func (f *fakeClient) Scan(_ context.Context, cursor uint64, match string, _ int64) *goredis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.values {
		if ok, _ := path.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if int(cursor) >= len(keys) {
		return goredis.NewScanCmdResult(nil, 0, nil)
	}
	next := cursor + 1
	if int(next) >= len(keys) {
		next = 0
	}
	return goredis.NewScanCmdResult(keys[cursor:cursor+1], next, nil)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeClient()
	c := New(client)

	require.NoError(t, c.Set(ctx, "bili_13800000000", []byte("654321"), 180*time.Second))
	require.Equal(t, 180*time.Second, client.ttls["bili_13800000000"])
	require.Equal(t, "\x00\x00\x00\x06654321", client.values["bili_13800000000"])

	v, ok, err := c.Get(ctx, "bili_13800000000")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("654321"), v)

	_, ok, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetRejectsCorruptPrefix(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.values["bad"] = "\x00\x00\x00\x09abc"
	_, _, err := New(client).Get(context.Background(), "bad")
	require.Error(t, err)
}

func TestKeysIteratesCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeClient()
	c := New(client)
	for _, k := range []string{"wandou_1", "wandou_2", "jisu_1"} {
		require.NoError(t, c.Set(ctx, k, []byte("x"), 0))
	}
	keys, err := c.Keys(ctx, "wandou_*")
	require.NoError(t, err)
	require.Equal(t, []string{"wandou_1", "wandou_2"}, keys)

	require.NoError(t, c.Close())
	require.True(t, client.closed)
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	for _, payload := range [][]byte{{}, []byte("a"), make([]byte, 1024)} {
		out, err := Decode(Encode(payload))
		require.NoError(t, err)
		require.Equal(t, payload, out)
	}
	_, err := Decode([]byte{0, 0})
	require.Error(t, err)
}
