package infra

import (
	"context"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a Postgres 16 container and returns a DSN. If overrideDSN or
// STRESS_TEST_PG_DSN is set, it reuses that database.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("escrow"),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(pgC)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return testcontainers.TerminateContainer(p.C)
}

type RedisContainer struct {
	C *tcredis.RedisContainer
}

// StartRedis7 starts a Redis container for the deal locks and returns its
// host:port. If overrideAddr or STRESS_TEST_REDIS_ADDR is set, it reuses that
// server.
func StartRedis7(ctx context.Context, overrideAddr string) (*RedisContainer, string, error) {
	if overrideAddr != "" {
		return &RedisContainer{}, overrideAddr, nil
	}
	if addr := os.Getenv("STRESS_TEST_REDIS_ADDR"); addr != "" {
		return &RedisContainer{}, addr, nil
	}

	rc, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, "", err
	}
	addr, err := rc.Endpoint(ctx, "")
	if err != nil {
		_ = testcontainers.TerminateContainer(rc)
		return nil, "", err
	}
	return &RedisContainer{C: rc}, addr, nil
}

func (r *RedisContainer) Terminate(context.Context) error {
	if r == nil || r.C == nil {
		return nil
	}
	return testcontainers.TerminateContainer(r.C)
}
