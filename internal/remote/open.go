package remote

import (
	"context"
	"fmt"
	"time"
)

// Kind selects a Backend driver.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindHTTP     Kind = "http"
	KindPostgres Kind = "postgres"
	KindRedis    Kind = "redis"
)

// Valid reports whether k names a known driver.
func (k Kind) Valid() bool {
	switch k {
	case KindMemory, KindHTTP, KindPostgres, KindRedis:
		return true
	}
	return false
}

// Config selects and configures a driver.
type Config struct {
	Kind    Kind
	URL     string
	Token   string
	Timeout time.Duration
}

// Open builds the Backend described by cfg. The returned close function
// releases driver resources and is never nil.
func Open(ctx context.Context, cfg Config) (Backend, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Kind {
	case KindMemory, "":
		return NewMemory(), noop, nil

	case KindHTTP:
		var opts []HTTPOption
		if cfg.Token != "" {
			opts = append(opts, WithBearerToken(cfg.Token))
		}
		b, err := NewHTTPBackend(cfg.URL, opts...)
		if err != nil {
			return nil, noop, err
		}
		return b, noop, nil

	case KindPostgres:
		b, err := OpenPostgres(ctx, cfg.URL)
		if err != nil {
			return nil, noop, err
		}
		return b, b.Close, nil

	case KindRedis:
		b, err := OpenRedis(ctx, cfg.URL)
		if err != nil {
			return nil, noop, err
		}
		return b, b.Close, nil

	default:
		return nil, noop, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
}
