// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// connectBackoff bounds the startup ping retries. The database is often
// still coming up when the server starts; a short fibonacci backoff rides
// that out without hiding a genuinely unreachable database.
const (
	connectBaseDelay  = 250 * time.Millisecond
	connectMaxRetries = 6
)

// Connect opens a pgx pool against dsn and verifies connectivity with a
// retried ping before returning.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}

	backoff := retry.WithMaxRetries(connectMaxRetries, retry.NewFibonacci(connectBaseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("DB_PING_FAILED").Wrap(err)
	}

	return pool, nil
}
