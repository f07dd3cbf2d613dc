package redis

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

type fakeRedis struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	failSet error
	// scanPages splits SCAN results into pages of this size.
	scanPage int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string][]byte{}, ttls: map[string]time.Duration{}, scanPage: 1}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return redis.NewStatusResult("", f.failSet)
	}
	f.data[key] = append([]byte(nil), value.([]byte)...)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Scan(_ context.Context, cursor uint64, match string, _ int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(match, "*")
	var all []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			all = append(all, k)
		}
	}
	sort.Strings(all)
	start := int(cursor)
	if start >= len(all) {
		return redis.NewScanCmdResult(nil, 0, nil)
	}
	end := start + f.scanPage
	next := uint64(end)
	if end >= len(all) {
		end = len(all)
		next = 0
	}
	return redis.NewScanCmdResult(all[start:end], next, nil)
}

func TestStoreRoundTripWithPrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := newFakeRedis()
	s := NewWithClient(fake, "bulkfetch:")

	require.NoError(t, s.Set(ctx, "brands:all", []byte(`[{"name":"Nike"}]`), 30*time.Minute))
	require.Contains(t, fake.data, "bulkfetch:brands:all")
	require.Equal(t, 30*time.Minute, fake.ttls["bulkfetch:brands:all"])

	got, err := s.Get(ctx, "brands:all")
	require.NoError(t, err)
	require.JSONEq(t, `[{"name":"Nike"}]`, string(got))

	require.NoError(t, s.Delete(ctx, "brands:all"))
	_, err = s.Get(ctx, "brands:all")
	require.ErrorIs(t, err, catalog.ErrKeyNotFound)
}

func TestStoreNegativeTTLStoresWithoutExpiry(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	s := NewWithClient(fake, "")
	require.NoError(t, s.Set(context.Background(), "job:1", []byte("{}"), -time.Second))
	require.Equal(t, time.Duration(0), fake.ttls["job:1"])
}

func TestStoreSetError(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	fake.failSet = errors.New("READONLY")
	s := NewWithClient(fake, "")
	err := s.Set(context.Background(), "k", []byte("v"), 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "READONLY")
}

func TestStoreKeysScansAllPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := newFakeRedis()
	s := NewWithClient(fake, "ns:")
	for _, k := range []string{"job:c", "job:a", "job:b", "brands:all"} {
		require.NoError(t, s.Set(ctx, k, []byte("x"), 0))
	}

	keys, err := s.Keys(ctx, "job:")
	require.NoError(t, err)
	require.Equal(t, []string{"job:a", "job:b", "job:c"}, keys)
}

func TestStoreCloseWithoutOwnedClient(t *testing.T) {
	t.Parallel()
	require.NoError(t, NewWithClient(newFakeRedis(), "").Close())
}
