package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// QueryBuilder wraps an sqlx.DB so queries can be written with ? placeholders
// and rebound for the active driver.
type QueryBuilder struct {
	db *sqlx.DB
}

// NewQueryBuilder returns a builder over db.
func NewQueryBuilder(db *sqlx.DB) *QueryBuilder {
	return &QueryBuilder{db: db}
}

// DB returns the underlying sqlx.DB.
func (qb *QueryBuilder) DB() *sqlx.DB {
	return qb.db
}

// Rebind converts ? placeholders to the driver's bind style.
func (qb *QueryBuilder) Rebind(query string) string {
	return qb.db.Rebind(query)
}

// SelectContext scans all rows into dest (slice of structs).
func (qb *QueryBuilder) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return qb.db.SelectContext(ctx, dest, qb.Rebind(query), args...)
}

// GetContext scans a single row into dest.
func (qb *QueryBuilder) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return qb.db.GetContext(ctx, dest, qb.Rebind(query), args...)
}

// ExecContext executes a statement without returning rows.
func (qb *QueryBuilder) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return qb.db.ExecContext(ctx, qb.Rebind(query), args...)
}

// In expands slice arguments for IN clauses and rebinds the result.
// Example: In("SELECT * FROM sla_tier WHERE id IN (?)", []string{"a", "b"}).
func (qb *QueryBuilder) In(query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return qb.Rebind(q), a, nil
}

// SelectBuilder builds SELECT statements from parameterized fragments.
type SelectBuilder struct {
	qb       *QueryBuilder
	columns  []string
	table    string
	where    []string
	args     []interface{}
	orderBy  []string
	limit    int
	hasLimit bool
}

// NewSelect starts a SELECT of the given columns.
func (qb *QueryBuilder) NewSelect(columns ...string) *SelectBuilder {
	return &SelectBuilder{
		qb:      qb,
		columns: columns,
	}
}

// From sets the table to select from.
func (sb *SelectBuilder) From(table string) *SelectBuilder {
	sb.table = table
	return sb
}

// Where adds a WHERE condition with parameterized values.
func (sb *SelectBuilder) Where(condition string, args ...interface{}) *SelectBuilder {
	sb.where = append(sb.where, condition)
	sb.args = append(sb.args, args...)
	return sb
}

// WhereIf adds the condition only when ok is true.
func (sb *SelectBuilder) WhereIf(ok bool, condition string, args ...interface{}) *SelectBuilder {
	if !ok {
		return sb
	}
	return sb.Where(condition, args...)
}

// WhereIn adds a WHERE IN condition.
func (sb *SelectBuilder) WhereIn(column string, values interface{}) *SelectBuilder {
	sb.where = append(sb.where, column+" IN (?)")
	sb.args = append(sb.args, values)
	return sb
}

// OrderBy adds ORDER BY columns.
func (sb *SelectBuilder) OrderBy(columns ...string) *SelectBuilder {
	sb.orderBy = append(sb.orderBy, columns...)
	return sb
}

// Limit sets the LIMIT clause.
func (sb *SelectBuilder) Limit(limit int) *SelectBuilder {
	sb.limit = limit
	sb.hasLimit = true
	return sb
}

// ToSQL builds the query and returns it with its arguments, rebound for the
// driver.
func (sb *SelectBuilder) ToSQL() (string, []interface{}, error) {
	if sb.table == "" {
		return "", nil, fmt.Errorf("table not specified")
	}

	var query strings.Builder
	query.WriteString("SELECT ")
	if len(sb.columns) == 0 {
		query.WriteString("*")
	} else {
		query.WriteString(strings.Join(sb.columns, ", "))
	}
	query.WriteString(" FROM ")
	query.WriteString(sb.table)

	args := make([]interface{}, 0, len(sb.args)+1)
	args = append(args, sb.args...)

	if len(sb.where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(sb.where, " AND "))
	}
	if len(sb.orderBy) > 0 {
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(sb.orderBy, ", "))
	}
	if sb.hasLimit {
		query.WriteString(" LIMIT ?")
		args = append(args, sb.limit)
	}

	return sb.qb.In(query.String(), args...)
}

// SelectContext executes the query and scans all rows into dest.
func (sb *SelectBuilder) SelectContext(ctx context.Context, dest interface{}) error {
	query, args, err := sb.ToSQL()
	if err != nil {
		return err
	}
	return sb.qb.db.SelectContext(ctx, dest, query, args...)
}
