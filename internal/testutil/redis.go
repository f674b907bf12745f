//go:build integration

package testutil

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
)

// Seed is TABLE -> key -> field -> value. Each entry becomes a Redis hash at
// "TABLE|key".
type Seed map[string]map[string]map[string]string

// SeedRedis flushes db and loads seed into it.
func SeedRedis(t *testing.T, addr string, db int, seed Seed) {
	t.Helper()

	FlushDB(t, addr, db)

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	ctx := context.Background()
	pipe := client.TxPipeline()
	for table, entries := range seed {
		for key, fields := range entries {
			args := make([]interface{}, 0, len(fields)*2)
			for k, v := range fields {
				args = append(args, k, v)
			}
			pipe.HSet(ctx, table+"|"+key, args...)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.Fatalf("seeding db %d: %v", db, err)
	}
}

// FlushDB flushes a specific Redis database.
func FlushDB(t *testing.T, addr string, db int) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing DB %d: %v", db, err)
	}
}

// EntryExists checks if a key exists in a specific Redis DB.
func EntryExists(t *testing.T, addr string, db int, key string) bool {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	n, err := client.Exists(context.Background(), key).Result()
	if err != nil {
		t.Fatalf("checking existence of %s: %v", key, err)
	}
	return n > 0
}
