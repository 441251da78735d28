package storage

import (
	"testing"

	"github.com/token-distributor/internal/config"
)

func TestNewRedisClient(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.RedisConfig{
		Host:           "localhost",
		Port:           "6379",
		MaxConnections: 5,
	}

	client, err := NewRedisClient(testContext(t), cfg)
	if err != nil {
		t.Skipf("Skipping test - Redis not available: %v", err)
		return
	}
	defer func() {
		if err := client.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	ctx := testContext(t)
	if err := client.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	lock := NewRunLock(client.Client(), 0)
	lease, err := lock.Acquire(ctx, "integration-test")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}
