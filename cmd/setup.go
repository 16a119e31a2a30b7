package cmd

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/florinutz/laketx/blob"
	"github.com/florinutz/laketx/lock"
	"github.com/florinutz/laketx/quarantine"
	"github.com/florinutz/laketx/tablelog"
)

// openStorage builds a blob store from the --table value: an s3:// URL or a
// local directory path.
func openStorage(ctx context.Context, table string) (blob.Storage, error) {
	if table == "" {
		return nil, fmt.Errorf("no table root configured (use --table or LAKETX_TABLE)")
	}
	if strings.HasPrefix(table, "s3://") {
		u, err := url.Parse(table)
		if err != nil {
			return nil, fmt.Errorf("parse table url %q: %w", table, err)
		}
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:          u.Host,
			Prefix:          strings.TrimPrefix(u.Path, "/"),
			Endpoint:        viper.GetString("s3_endpoint"),
			Region:          viper.GetString("s3_region"),
			AccessKeyID:     viper.GetString("s3_access_key_id"),
			SecretAccessKey: viper.GetString("s3_secret_access_key"),
		})
	}
	return blob.NewLocal(table), nil
}

// openLock builds a lock coordinator from the --lock value. The in-process
// coordinator only serializes writers inside one binary; multi-process
// deployments need redis or postgres.
func openLock(ctx context.Context, spec string) (lock.Coordinator, error) {
	switch {
	case spec == "" || spec == "memory":
		return lock.NewMemory(), nil
	case strings.HasPrefix(spec, "redis://"), strings.HasPrefix(spec, "rediss://"):
		return lock.NewRedis(spec, nil)
	case strings.HasPrefix(spec, "postgres://"), strings.HasPrefix(spec, "postgresql://"):
		return lock.NewPostgres(ctx, spec, nil)
	default:
		return nil, fmt.Errorf("unknown lock coordinator %q (expected memory, redis://, or postgres://)", spec)
	}
}

// openLog wires storage and lock into a Log handle for one-shot commands.
func openLog(ctx context.Context) (*tablelog.Log, blob.Storage, error) {
	storage, err := openStorage(ctx, viper.GetString("table"))
	if err != nil {
		return nil, nil, err
	}
	coord, err := openLock(ctx, viper.GetString("lock"))
	if err != nil {
		return nil, nil, err
	}
	log := tablelog.New(tablelog.Config{
		TableID: viper.GetString("table"),
		Storage: storage,
		Lock:    coord,
	})
	return log, storage, nil
}

// openQuarantine builds the quarantine store: a postgres URL or stderr.
func openQuarantine() quarantine.Store {
	if dbURL := viper.GetString("quarantine_db"); dbURL != "" {
		return quarantine.NewPostgres(dbURL, viper.GetString("quarantine_table"), nil)
	}
	return quarantine.NewStderr(nil)
}
