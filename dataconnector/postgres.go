package dataconnector

import (
	"context"
	"database/sql"
	"net"
	"net/url"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/secrets"
)

// PostgresDSN builds a connection URL from pg_* params and the postgres secret.
// pg_connection_string, when set, is used as is.
func PostgresDSN(secret secrets.Secret, params map[string]string) string {
	if dsn := params["pg_connection_string"]; dsn != "" {
		return dsn
	}

	host := valueOr(params["pg_host"], "localhost")
	port := valueOr(params["pg_port"], "5432")

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + valueOr(params["pg_db"], "postgres"),
	}
	user := valueOr(params["pg_user"], "postgres")
	if pass := valueOr(secret.Get("password"), params["pg_pass"]); pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}

	q := url.Values{}
	q.Set("sslmode", valueOr(params["pg_sslmode"], "prefer"))
	u.RawQuery = q.Encode()
	return u.String()
}

// NewPostgres creates the postgres connector. The connection is verified with a ping.
func NewPostgres(ctx context.Context, secret secrets.Secret, params map[string]string) (Connector, error) {
	db, err := sql.Open("pgx", PostgresDSN(secret, params))
	if err != nil {
		return nil, errors.WrapInvalid(err, "PostgresConnector", "New", "parse connection string")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "PostgresConnector", "New", "ping")
	}
	return &sqlConnector{db: db, dialect: postgresDialect}, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
