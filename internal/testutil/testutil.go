//go:build integration

// Package testutil provides helpers for integration tests that need a
// scratch Redis instance.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// InventoryDB is the Redis database integration tests seed inventory into.
const InventoryDB = 9

// LockDB is the Redis database integration tests take device locks in.
const LockDB = 10

// RedisAddr returns the address of the test Redis (NEWTPHASE_TEST_REDIS_ADDR,
// default 127.0.0.1:6379).
func RedisAddr() string {
	if addr := os.Getenv("NEWTPHASE_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:6379"
}

// SkipIfNoRedis skips the test if the test Redis is not reachable.
func SkipIfNoRedis(t *testing.T) {
	t.Helper()

	addr := RedisAddr()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
}
