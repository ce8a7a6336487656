package dataconnector

import (
	"context"
	"database/sql"
	stderrors "errors"

	_ "modernc.org/sqlite"

	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/secrets"
)

// NewSQLite creates the sqlite connector over the sqlite_file param
func NewSQLite(ctx context.Context, _ secrets.Secret, params map[string]string) (Connector, error) {
	path := params["sqlite_file"]
	if path == "" {
		return nil, errors.WrapInvalid(stderrors.New("sqlite_file param is required"),
			"SQLiteConnector", "New", "validate params")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SQLiteConnector", "New", "open database")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "SQLiteConnector", "New", "ping")
	}
	return &sqlConnector{db: db, dialect: sqliteDialect}, nil
}
