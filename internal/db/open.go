package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"sidecart/internal/config"
)

// Opener returns an unconnected *sql.DB for the pool to manage.
type Opener func() (*sql.DB, error)

// ConnConfig builds the pgx connection settings for cfg. The password is set
// on the returned config only, never in a connection string.
func ConnConfig(cfg config.DatabaseConfig) (*pgx.ConnConfig, error) {
	q := url.Values{}
	q.Set("sslmode", cfg.SSLMode)
	q.Set("connect_timeout", strconv.Itoa(cfg.ConnectTimeout))
	q.Set("application_name", "sidecart")
	u := url.URL{
		Scheme:   "postgres",
		User:     url.User(cfg.Username),
		Host:     cfg.HostPort(),
		Path:     "/" + cfg.Database,
		RawQuery: q.Encode(),
	}

	cc, err := pgx.ParseConfig(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	cc.Password = cfg.Password
	return cc, nil
}

// PgxOpener opens cfg through the pgx stdlib driver.
func PgxOpener(cfg config.DatabaseConfig) Opener {
	return func() (*sql.DB, error) {
		cc, err := ConnConfig(cfg)
		if err != nil {
			return nil, err
		}
		return stdlib.OpenDB(*cc), nil
	}
}
