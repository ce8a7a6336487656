package databackend

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"regexp"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/rthomas/spiceai/dataupdate"
	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/spec"
)

// EngineSQLite stores rows in sqlite
const EngineSQLite = "sqlite"

var (
	json          = jsoniter.ConfigCompatibleWithStandardLibrary
	unsafeNameRun = regexp.MustCompile(`[^A-Za-z0-9_]+`)
)

// SQLite stores each row as a JSON document, so rows need no fixed schema.
// Numbers read back as float64.
type SQLite struct {
	db    *sql.DB
	table string
}

// NewSQLite opens file, or a private in-memory database when file is empty
func NewSQLite(ctx context.Context, dataset, file string) (*SQLite, error) {
	dsn := file
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SQLiteBackend", "New", "open database")
	}
	if file == "" {
		// every pooled connection would get its own empty :memory: database
		db.SetMaxOpenConns(1)
	}

	b := &SQLite{db: db, table: `"accel_` + unsafeNameRun.ReplaceAllString(dataset, "_") + `"`}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (seq INTEGER PRIMARY KEY AUTOINCREMENT, data TEXT NOT NULL)`, b.table)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "SQLiteBackend", "New", "create table")
	}
	return b, nil
}

func (b *SQLite) Name() string {
	return EngineSQLite
}

// Publish writes the update in one transaction
func (b *SQLite) Publish(ctx context.Context, ds spec.Dataset, update dataupdate.DataUpdate) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteBackend", "Publish", "begin transaction")
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			err = stderrors.Join(err, rbErr)
		}
	}()

	if update.Type == dataupdate.Overwrite {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+b.table); err != nil {
			return errors.WrapTransient(err, "SQLiteBackend", "Publish", "clear "+ds.Name)
		}
	}

	insert, err := tx.PrepareContext(ctx, "INSERT INTO "+b.table+" (data) VALUES (?)")
	if err != nil {
		return errors.WrapTransient(err, "SQLiteBackend", "Publish", "prepare insert")
	}
	defer insert.Close()

	for _, row := range update.Rows {
		data, encErr := json.Marshal(row)
		if encErr != nil {
			err = errors.WrapInvalid(encErr, "SQLiteBackend", "Publish", "encode row")
			return err
		}
		if _, err = insert.ExecContext(ctx, string(data)); err != nil {
			return errors.WrapTransient(err, "SQLiteBackend", "Publish", "insert into "+ds.Name)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.WrapTransient(err, "SQLiteBackend", "Publish", "commit")
	}
	return nil
}

// Scan returns rows in insertion order
func (b *SQLite) Scan(ctx context.Context) ([]dataupdate.Row, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT data FROM "+b.table+" ORDER BY seq")
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteBackend", "Scan", "query")
	}
	defer rows.Close()

	var out []dataupdate.Row
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.WrapTransient(err, "SQLiteBackend", "Scan", "scan row")
		}
		var row dataupdate.Row
		if err := json.UnmarshalFromString(data, &row); err != nil {
			return nil, errors.WrapInvalid(err, "SQLiteBackend", "Scan", "decode row")
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "SQLiteBackend", "Scan", "iterate rows")
	}
	return out, nil
}

func (b *SQLite) Close() error {
	return b.db.Close()
}
