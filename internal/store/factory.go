package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"onecell/internal/domain"
)

// Open builds a CredentialStore from dsn. Supported forms:
//
//	memory://
//	sqlite:///abs/path/onecell.db  (or a bare file path)
//	redis://host:6379/0
func Open(ctx context.Context, dsn string, logger *slog.Logger) (domain.CredentialStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty store dsn")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem":
		return NewMemoryStore(), nil
	case "", "file", "sqlite":
		path := parsed.Path
		if scheme == "" {
			path = dsn
		}
		if path == "" {
			return nil, fmt.Errorf("sqlite dsn %q has no path", dsn)
		}
		return NewSQLiteStore(path, logger)
	case "redis", "rediss":
		return NewRedisStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}
