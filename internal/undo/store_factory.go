package undo

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// BuildStoreFromDSN selects the backend once, at startup. Callers never
// re-select per operation; a PostgresStore absorbs per-call failures into its
// own in-memory fallback instead.
func BuildStoreFromDSN(dsn string, log zerolog.Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, log)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}
