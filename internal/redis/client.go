package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const clientName = "therapy-clinic-scheduling"

// ClientOptions configures the connection used for idempotency keys.
type ClientOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	PoolSize int
	// PingTimeout bounds the startup check. Zero means 5s.
	PingTimeout time.Duration
}

// Connect dials Redis and pings it once. The API server treats an error as
// "idempotency keys disabled" and keeps serving.
func Connect(ctx context.Context, opts ClientOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is empty")
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:                  opts.Addr,
		Username:              opts.Username,
		Password:              opts.Password,
		DB:                    opts.DB,
		ClientName:            clientName,
		DialTimeout:           2 * time.Second,
		ReadTimeout:           time.Second,
		WriteTimeout:          time.Second,
		ContextTimeoutEnabled: true,
		PoolSize:              poolSize,
		MinIdleConns:          1,
		MaxRetries:            1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s (db %d): %w", opts.Addr, opts.DB, err)
	}
	return rdb, nil
}
