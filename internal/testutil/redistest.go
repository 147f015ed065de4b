package testutil

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// RedisTest returns a client for REDIS_URL, or for a throwaway redis
// container when TESTCONTAINERS=1. Otherwise the test is skipped. The
// database is flushed before and after the test.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()

	var opts *redis.Options
	if url := os.Getenv("REDIS_URL"); url != "" {
		o, err := redis.ParseURL(url)
		if err != nil {
			t.Fatalf("redistest: parse REDIS_URL: %v", err)
		}
		opts = o
	} else if os.Getenv("TESTCONTAINERS") == "1" {
		opts = &redis.Options{Addr: containerRedis(t)}
	} else {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	client := redis.NewClient(opts)
	ctx := context.Background()
	if err := client.FlushDB(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: connect to redis: %v", err)
	}
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func containerRedis(t *testing.T) string {
	t.Helper()
	redisOnce.Do(func() {
		ctx := context.Background()
		ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		if err != nil {
			redisErr = err
			return
		}
		redisAddr, redisErr = ctr.Endpoint(ctx, "")
	})
	if redisErr != nil {
		t.Fatalf("redistest: start redis container: %v", redisErr)
	}
	return redisAddr
}
