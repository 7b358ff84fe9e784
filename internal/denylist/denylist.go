// Package denylist answers "must this root identifier never be served". The
// set itself is maintained by an external sync job; this package only reads.
package denylist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"
)

// Gate is the lookup consumed by the retrieval path. It runs before the origin
// fetch so denylisted content is never served, not even from cache.
type Gate interface {
	IsBlocked(ctx context.Context, rootIdentifier string) (bool, error)
}

// Hash returns the set key for a root identifier: the hex sha-256 of the
// identifier with a trailing slash, the anchor format shared with the badbits
// list the sync job consumes.
func Hash(rootIdentifier string) string {
	sum := sha256.Sum256([]byte(rootIdentifier + "/"))
	return hex.EncodeToString(sum[:])
}

// RedisGate reads set membership from a shared redis set.
type RedisGate struct {
	rdb redis.Cmdable
	key string
}

// NewRedisGate creates a gate over the given set key.
func NewRedisGate(rdb redis.Cmdable, key string) *RedisGate {
	return &RedisGate{rdb: rdb, key: key}
}

// IsBlocked reports whether the root identifier's hash is in the set.
func (g *RedisGate) IsBlocked(ctx context.Context, rootIdentifier string) (bool, error) {
	blocked, err := g.rdb.SIsMember(ctx, g.key, Hash(rootIdentifier)).Result()
	if err != nil {
		return false, eris.Wrap(err, "denylist: membership check")
	}
	return blocked, nil
}
