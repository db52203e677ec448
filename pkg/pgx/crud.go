package pgx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

var errColumnMismatch = errors.New("column and value counts differ")

type queryBuilder struct {
	schema    string
	table     string
	columns   []string
	values    []any
	nextIndex int
}

func newQueryBuilder(tableName string, schema ...string) *queryBuilder {
	var schemaName string
	if len(schema) > 0 {
		schemaName = schema[0]
	}
	return &queryBuilder{
		schema:    schemaName,
		table:     tableName,
		nextIndex: 1,
	}
}

func (qb *queryBuilder) addValue(column string, value any) string {
	qb.columns = append(qb.columns, pgx.Identifier{column}.Sanitize())
	qb.values = append(qb.values, value)
	return qb.placeholder()
}

func (qb *queryBuilder) placeholder() string {
	placeholder := fmt.Sprintf("$%d", qb.nextIndex)
	qb.nextIndex++
	return placeholder
}

// tableIdentifier leaves the table unqualified when no schema is given, so
// the server resolves it through search_path.
func (qb *queryBuilder) tableIdentifier() string {
	if qb.schema == "" {
		return pgx.Identifier{qb.table}.Sanitize()
	}
	return pgx.Identifier{qb.schema, qb.table}.Sanitize()
}

// Insert is a prepared INSERT: the statement text only ever contains quoted
// identifiers and positional placeholders, values travel in Args.
type Insert struct {
	SQL  string
	Args []any
}

// BuildInsert assembles an INSERT for the given columns, in order.
func BuildInsert(tableName string, columns []string, values []any, schema ...string) (Insert, error) {
	if len(columns) != len(values) {
		return Insert{}, fmt.Errorf("%w: %d columns, %d values", errColumnMismatch, len(columns), len(values))
	}
	if len(columns) == 0 {
		return Insert{}, fmt.Errorf("no columns to insert into %s", tableName)
	}

	qb := newQueryBuilder(tableName, schema...)
	placeholders := make([]string, 0, len(columns))
	for i, column := range columns {
		placeholders = append(placeholders, qb.addValue(column, values[i]))
	}

	return Insert{
		SQL: fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			qb.tableIdentifier(),
			strings.Join(qb.columns, ", "),
			strings.Join(placeholders, ", "),
		),
		Args: qb.values,
	}, nil
}

// InsertRow inserts one row with bound arguments.
func InsertRow(ctx context.Context, conn Conn, tableName string, columns []string, values []any, schema ...string) error {
	ins, err := BuildInsert(tableName, columns, values, schema...)
	if err != nil {
		return err
	}

	tag, err := conn.Exec(ctx, ins.SQL, ins.Args...)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("insert into %s affected %d rows", tableName, tag.RowsAffected())
	}
	return nil
}
