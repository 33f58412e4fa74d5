package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gyaneshwarpardhi/anonsdk/internal/config"
	"github.com/gyaneshwarpardhi/anonsdk/internal/storage"
	"github.com/gyaneshwarpardhi/anonsdk/internal/transport"
)

// openStorage builds the configured backend. The returned close func is
// always safe to call.
func openStorage(ctx context.Context, sc config.StorageConf) (storage.Storage, func(), error) {
	var (
		store storage.Storage
		done  = func() {}
	)
	switch sc.Driver {
	case "memory":
		store = storage.NewMemory()
	case "sqlite":
		db, err := storage.OpenSQLite(ctx, sc.Path)
		if err != nil {
			return nil, done, err
		}
		store, done = db, closer("sqlite", db.Close)
	case "postgres":
		db, err := storage.OpenPostgres(ctx, sc.DSN)
		if err != nil {
			return nil, done, err
		}
		store, done = db, closer("postgres", db.Close)
	case "redis":
		r, err := storage.DialRedis(ctx, sc.Addr, sc.Password, sc.DB, sc.Prefix)
		if err != nil {
			return nil, done, err
		}
		store, done = r, closer("redis", r.Close)
	default:
		return nil, done, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}

	if sc.SealKey != "" {
		sealed, err := storage.NewSealed(store, sc.SealKey)
		if err != nil {
			done()
			return nil, func() {}, fmt.Errorf("seal storage: %w", err)
		}
		store = sealed
	}
	return store, done, nil
}

func closer(name string, fn func() error) func() {
	return func() {
		if err := fn(); err != nil {
			slog.Warn("storage close failed", "driver", name, "err", err)
		}
	}
}

func openSender(ctx context.Context, cc config.ClientConf, nc config.NetworkConf) (transport.Sender, error) {
	switch nc.Kind {
	case "http":
		opts := []transport.HTTPOption{
			transport.WithHTTPClient(&http.Client{Timeout: nc.Timeout()}),
		}
		if nc.Gzip {
			opts = append(opts, transport.WithGzip())
		}
		if nc.UserAgent != "" {
			opts = append(opts, transport.WithUserAgent(nc.UserAgent))
		}
		return transport.NewHTTPSender(cc.APIKey, opts...), nil
	case "s3":
		return transport.NewS3SenderFromEnv(ctx, nc.Region, nc.Bucket, nc.Prefix)
	default:
		return nil, fmt.Errorf("unknown network kind %q", nc.Kind)
	}
}
