package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Postgres authorizes against a subscription table. The driver (lib/pq) is
// registered by the entry binary's blank import.
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgres(dsn string, timeout time.Duration) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open subscription store")
	}
	return &Postgres{db: db, timeout: timeout}, nil
}

func (p *Postgres) Authorize(ctx context.Context, clientKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var active bool
	err := p.db.QueryRowContext(ctx,
		`SELECT active FROM subscriptions WHERE api_key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		clientKey,
	).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "subscription lookup failed")
	}
	return active, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
