package dataconnector

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rthomas/spiceai/dataupdate"
	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/spec"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// dialect captures the SQL differences between connectors
type dialect struct {
	name        string
	placeholder func(n int) string
}

var (
	postgresDialect = dialect{name: "postgres", placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }}
	sqliteDialect   = dialect{name: "sqlite", placeholder: func(int) string { return "?" }}
)

// quoteIdent validates and double-quotes a possibly schema-qualified name
func quoteIdent(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", fmt.Errorf("invalid table identifier %q", name)
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, "."), nil
}

// sqlConnector reads and writes one table per dataset over database/sql
type sqlConnector struct {
	db      *sql.DB
	dialect dialect
}

func (c *sqlConnector) Read(ctx context.Context, ds spec.Dataset) (dataupdate.DataUpdate, error) {
	rows, err := c.query(ctx, ds.Path())
	if err != nil {
		return dataupdate.DataUpdate{}, err
	}
	return dataupdate.DataUpdate{Rows: rows, Type: dataupdate.Overwrite}, nil
}

func (c *sqlConnector) TableProvider(ds spec.Dataset) TableProvider {
	table := ds.Path()
	return scanFunc(func(ctx context.Context) ([]dataupdate.Row, error) {
		return c.query(ctx, table)
	})
}

func (c *sqlConnector) DataPublisher() dataupdate.Publisher {
	return &sqlPublisher{conn: c}
}

func (c *sqlConnector) Close() error {
	return c.db.Close()
}

func (c *sqlConnector) query(ctx context.Context, table string) ([]dataupdate.Row, error) {
	quoted, err := quoteIdent(table)
	if err != nil {
		return nil, errors.WrapInvalid(err, c.dialect.name, "Read", "validate table")
	}

	rows, err := c.db.QueryContext(ctx, "SELECT * FROM "+quoted)
	if err != nil {
		return nil, errors.WrapTransient(err, c.dialect.name, "Read", "query "+table)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, errors.WrapTransient(err, c.dialect.name, "Read", "scan "+table)
	}
	return out, nil
}

// scanRows converts result rows to maps; byte slices become strings
func scanRows(rows *sql.Rows) ([]dataupdate.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []dataupdate.Row
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for rows.Next() {
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(dataupdate.Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// sqlPublisher writes dataset updates back to the source table
type sqlPublisher struct {
	conn *sqlConnector
}

func (p *sqlPublisher) Name() string {
	return p.conn.dialect.name
}

// Publish applies update in one transaction. Overwrite deletes existing rows first.
func (p *sqlPublisher) Publish(ctx context.Context, ds spec.Dataset, update dataupdate.DataUpdate) (err error) {
	table, err := quoteIdent(ds.Path())
	if err != nil {
		return errors.WrapInvalid(err, p.Name(), "Publish", "validate table")
	}

	tx, err := p.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, p.Name(), "Publish", "begin transaction")
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
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.WrapTransient(err, p.Name(), "Publish", "clear "+ds.Name)
		}
	}

	for _, row := range update.Rows {
		stmt, args, buildErr := p.insert(table, row)
		if buildErr != nil {
			return errors.WrapInvalid(buildErr, p.Name(), "Publish", "build insert")
		}
		if _, err = tx.ExecContext(ctx, stmt, args...); err != nil {
			return errors.WrapTransient(err, p.Name(), "Publish", "insert into "+ds.Name)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.WrapTransient(err, p.Name(), "Publish", "commit")
	}
	return nil
}

func (p *sqlPublisher) insert(table string, row dataupdate.Row) (string, []any, error) {
	cols := row.Columns()
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		q, err := quoteIdent(c)
		if err != nil {
			return "", nil, err
		}
		names[i] = q
		marks[i] = p.conn.dialect.placeholder(i + 1)
		args[i] = row[c]
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(marks, ", "))
	return stmt, args, nil
}
