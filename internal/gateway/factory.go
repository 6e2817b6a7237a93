package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// Open builds a gateway from a DSN: memory://, postgres://user@host/db or
// sqlite:///var/lib/panelsync/backing.db. A bare path is a SQLite file.
func Open(dsn string) (Gateway, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryGateway(), nil
	case "postgres", "postgresql":
		return NewPostgresGateway(dsn)
	case "", "sqlite", "sqlite3", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteGateway(path)
	default:
		return nil, fmt.Errorf("unsupported backing store scheme: %s", scheme)
	}
}

// OpenReplicationLog accepts memory:// or a bbolt file path (bolt:// or bare).
func OpenReplicationLog(dsn string) (ReplicationLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryReplicationLog(), nil
	case "", "bolt", "bbolt", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewBoltReplicationLog(path)
	default:
		return nil, fmt.Errorf("unsupported replication log scheme: %s", scheme)
	}
}

type StackConfig struct {
	PrimaryDSN   string
	SecondaryDSN string
	LogDSN       string
	Logger       zerolog.Logger
}

// OpenStack opens the primary and, when a secondary is configured, wraps both
// in a Failover backed by the replication log. The returned gateway is not
// yet bounded by WithTimeout; callers choose the timeout.
func OpenStack(ctx context.Context, cfg StackConfig) (Gateway, *Failover, error) {
	primary, err := Open(cfg.PrimaryDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open primary: %w", err)
	}
	if strings.TrimSpace(cfg.SecondaryDSN) == "" {
		return primary, nil, nil
	}
	secondary, err := Open(cfg.SecondaryDSN)
	if err != nil {
		_ = primary.Close()
		return nil, nil, fmt.Errorf("open secondary: %w", err)
	}
	logDSN := cfg.LogDSN
	if strings.TrimSpace(logDSN) == "" {
		logDSN = "memory://"
	}
	replog, err := OpenReplicationLog(logDSN)
	if err != nil {
		_ = primary.Close()
		_ = secondary.Close()
		return nil, nil, fmt.Errorf("open replication log: %w", err)
	}
	failover, err := NewFailoverFromState(ctx, primary, secondary, replog, FailoverOptions{Logger: cfg.Logger})
	if err != nil {
		_ = primary.Close()
		_ = secondary.Close()
		_ = replog.Close()
		return nil, nil, err
	}
	return failover, failover, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
