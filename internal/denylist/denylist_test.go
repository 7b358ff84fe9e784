package denylist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGate(t *testing.T) (*RedisGate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisGate(rdb, "badbits"), mr
}

func TestHash_AppendsSlashBeforeHashing(t *testing.T) {
	sum := sha256.Sum256([]byte("bafybeiexample/"))
	assert.Equal(t, hex.EncodeToString(sum[:]), Hash("bafybeiexample"))
}

func TestIsBlocked(t *testing.T) {
	gate, mr := newGate(t)
	mr.SAdd("badbits", Hash("bafybeibadroot"))

	blocked, err := gate.IsBlocked(context.Background(), "bafybeibadroot")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = gate.IsBlocked(context.Background(), "bafybeigoodroot")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestIsBlocked_EmptySet(t *testing.T) {
	gate, _ := newGate(t)

	blocked, err := gate.IsBlocked(context.Background(), "bafybeianything")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestIsBlocked_RedisDown(t *testing.T) {
	gate, mr := newGate(t)
	mr.Close()

	_, err := gate.IsBlocked(context.Background(), "bafybeiexample")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "membership check")
}
