package edge

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBlocklistRepo struct {
	networks []BlockedNetwork
	listErr  error
}

func (s *stubBlocklistRepo) ListNetworks(ctx context.Context) ([]BlockedNetwork, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.networks, nil
}

func (s *stubBlocklistRepo) CreateNetwork(ctx context.Context, nw BlockedNetwork) (BlockedNetwork, error) {
	nw.ID = int64(len(s.networks) + 1)
	s.networks = append(s.networks, nw)
	return nw, nil
}

func (s *stubBlocklistRepo) DeleteNetwork(ctx context.Context, id int64) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBlocker(t *testing.T, repo BlocklistRepository) (*Blocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b, err := NewBlocker(context.Background(), repo, client, testLogger())
	require.NoError(t, err)
	return b, mr
}

func TestNormalizeNetwork(t *testing.T) {
	nw, isCIDR, err := NormalizeNetwork(" 203.0.113.5 ")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", nw)
	assert.False(t, isCIDR)

	nw, isCIDR, err = NormalizeNetwork("10.1.0.0/16")
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.0/16", nw)
	assert.True(t, isCIDR)

	_, _, err = NormalizeNetwork("not-an-ip")
	assert.Error(t, err)

	_, _, err = NormalizeNetwork("10.1.0.0/99")
	assert.Error(t, err)
}

func TestOperatorBlocked(t *testing.T) {
	repo := &stubBlocklistRepo{networks: []BlockedNetwork{
		{Network: "203.0.113.5"},
		{Network: "10.1.0.0/16", IsCIDR: true},
	}}
	b, _ := newTestBlocker(t, repo)

	assert.True(t, b.OperatorBlocked("203.0.113.5"))
	assert.True(t, b.OperatorBlocked("10.1.200.30"))
	assert.False(t, b.OperatorBlocked("10.2.0.1"))
	assert.False(t, b.OperatorBlocked("198.51.100.7"))
}

func TestBlockerReload(t *testing.T) {
	repo := &stubBlocklistRepo{}
	b, _ := newTestBlocker(t, repo)
	assert.False(t, b.OperatorBlocked("203.0.113.5"))

	repo.networks = append(repo.networks, BlockedNetwork{Network: "203.0.113.5"})
	require.NoError(t, b.Reload(context.Background()))
	assert.True(t, b.OperatorBlocked("203.0.113.5"))
}

func TestStaticEntries(t *testing.T) {
	b, _ := newTestBlocker(t, &stubBlocklistRepo{})
	b.SetStatic([]string{"192.0.2.9", " "}, []string{"172.16.0.0/12", "bogus"})

	assert.True(t, b.OperatorBlocked("192.0.2.9"))
	assert.True(t, b.OperatorBlocked("172.20.1.1"))
	assert.False(t, b.OperatorBlocked("192.0.2.10"))

	// Static entries survive a repository reload.
	require.NoError(t, b.Reload(context.Background()))
	assert.True(t, b.OperatorBlocked("192.0.2.9"))
	assert.True(t, b.OperatorBlocked("172.20.1.1"))
}

func TestTempBlock(t *testing.T) {
	b, mr := newTestBlocker(t, &stubBlocklistRepo{})
	ctx := context.Background()

	assert.False(t, b.TempBlocked(ctx, "198.51.100.7"))
	require.NoError(t, b.BlockTemporarily(ctx, "198.51.100.7", "scanner", time.Hour))
	assert.True(t, b.TempBlocked(ctx, "198.51.100.7"))

	// The block is mirrored to redis with a TTL for other replicas.
	ttl := mr.TTL(tempBlockKey + "198.51.100.7")
	assert.Greater(t, ttl, time.Duration(0))
}

func TestTempBlockSeenFromRedisOnly(t *testing.T) {
	b, mr := newTestBlocker(t, &stubBlocklistRepo{})

	// Simulate a block imposed by another replica.
	require.NoError(t, mr.Set(tempBlockKey+"198.51.100.9", "scanner"))
	mr.SetTTL(tempBlockKey+"198.51.100.9", time.Hour)

	assert.True(t, b.TempBlocked(context.Background(), "198.51.100.9"))
}

func TestTempBlockExpires(t *testing.T) {
	b, mr := newTestBlocker(t, &stubBlocklistRepo{})
	ctx := context.Background()

	require.NoError(t, b.BlockTemporarily(ctx, "198.51.100.7", "scanner", 50*time.Millisecond))
	assert.True(t, b.TempBlocked(ctx, "198.51.100.7"))

	mr.FastForward(time.Second)
	time.Sleep(60 * time.Millisecond)
	assert.False(t, b.TempBlocked(ctx, "198.51.100.7"))
}

func TestTempBlockFailsOpenOnRedisOutage(t *testing.T) {
	b, mr := newTestBlocker(t, &stubBlocklistRepo{})
	mr.Close()

	assert.False(t, b.TempBlocked(context.Background(), "198.51.100.7"))
}
