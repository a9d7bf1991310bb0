package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"
)

//go:embed schema.yaml
var schemaYAML []byte

// ColumnDef is one column of a table definition.
type ColumnDef struct {
	Name     string      `yaml:"name"`
	Type     string      `yaml:"type"` // varchar(200), int, bigserial, json, ...
	Required bool        `yaml:"required"`
	Unique   bool        `yaml:"unique"`
	Default  interface{} `yaml:"default"`
}

// TableSchema is a dialect-neutral table definition.
type TableSchema struct {
	Name    string      `yaml:"name"`
	PK      string      `yaml:"pk"`
	Columns []ColumnDef `yaml:"columns"`
	Indexes []string    `yaml:"indexes"`
	Unique  []string    `yaml:"unique"`
}

// LoadSchema parses the embedded table definitions.
func LoadSchema() ([]TableSchema, error) {
	var tables []TableSchema
	if err := yaml.Unmarshal(schemaYAML, &tables); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return tables, nil
}

// Dialect renders DDL for one SQL backend.
type Dialect interface {
	Name() string
	MapType(schemaType string) string
	CreateTable(t TableSchema) string
	CreateIndexes(t TableSchema) []string
}

// DialectFor returns the dialect of a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverPostgres:
		return postgresDialect{}, nil
	case DriverMySQL:
		return mysqlDialect{}, nil
	case DriverSQLite:
		return sqliteDialect{}, nil
	}
	return nil, fmt.Errorf("no SQL dialect for driver %q", driver)
}

func isSerial(t string) bool {
	t = strings.ToLower(t)
	return t == "serial" || t == "bigserial"
}

func defaultClause(v interface{}, boolTrue, boolFalse string) string {
	switch d := v.(type) {
	case nil:
		return ""
	case bool:
		if d {
			return " DEFAULT " + boolTrue
		}
		return " DEFAULT " + boolFalse
	case int, int64, float64:
		return fmt.Sprintf(" DEFAULT %v", d)
	case string:
		return fmt.Sprintf(" DEFAULT '%s'", strings.ReplaceAll(d, "'", "''"))
	}
	return ""
}

func createTable(t TableSchema, column func(ColumnDef, bool) string) string {
	parts := make([]string, 0, len(t.Columns)+len(t.Unique))
	for _, c := range t.Columns {
		parts = append(parts, column(c, c.Name == t.PK))
	}
	for _, u := range t.Unique {
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", u))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", t.Name, strings.Join(parts, ",\n    "))
}

func indexName(table, cols string) string {
	r := strings.NewReplacer(",", "_", " ", "")
	return fmt.Sprintf("idx_%s_%s", table, r.Replace(cols))
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return DriverPostgres }

func (postgresDialect) MapType(schemaType string) string {
	if strings.HasPrefix(schemaType, "varchar") {
		return strings.ToUpper(schemaType)
	}
	switch strings.ToLower(schemaType) {
	case "bigserial":
		return "BIGSERIAL"
	case "serial":
		return "SERIAL"
	case "int", "integer":
		return "INTEGER"
	case "bigint":
		return "BIGINT"
	case "timestamp":
		return "TIMESTAMPTZ"
	case "bool", "boolean":
		return "BOOLEAN"
	case "double":
		return "DOUBLE PRECISION"
	case "json", "text":
		return "TEXT"
	}
	return strings.ToUpper(schemaType)
}

func (d postgresDialect) CreateTable(t TableSchema) string {
	return createTable(t, func(c ColumnDef, pk bool) string {
		col := fmt.Sprintf("%s %s", c.Name, d.MapType(c.Type))
		if pk {
			return col + " PRIMARY KEY"
		}
		if c.Required {
			col += " NOT NULL"
		}
		if c.Unique {
			col += " UNIQUE"
		}
		return col + defaultClause(c.Default, "TRUE", "FALSE")
	})
}

func (postgresDialect) CreateIndexes(t TableSchema) []string {
	out := make([]string, 0, len(t.Indexes))
	for _, cols := range t.Indexes {
		out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", indexName(t.Name, cols), t.Name, cols))
	}
	return out
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return DriverMySQL }

func (mysqlDialect) MapType(schemaType string) string {
	if strings.HasPrefix(schemaType, "varchar") {
		return strings.ToUpper(schemaType)
	}
	switch strings.ToLower(schemaType) {
	case "bigserial":
		return "BIGINT AUTO_INCREMENT"
	case "serial":
		return "INT AUTO_INCREMENT"
	case "int", "integer":
		return "INT"
	case "bigint":
		return "BIGINT"
	case "timestamp":
		return "DATETIME(6)"
	case "bool", "boolean":
		return "TINYINT(1)"
	case "double":
		return "DOUBLE"
	case "json", "text":
		return "LONGTEXT"
	}
	return strings.ToUpper(schemaType)
}

func (d mysqlDialect) CreateTable(t TableSchema) string {
	return createTable(t, func(c ColumnDef, pk bool) string {
		col := fmt.Sprintf("%s %s", c.Name, d.MapType(c.Type))
		if pk {
			return col + " NOT NULL PRIMARY KEY"
		}
		if c.Required {
			col += " NOT NULL"
		}
		if c.Unique {
			col += " UNIQUE"
		}
		// LONGTEXT columns cannot carry a literal default.
		if d.MapType(c.Type) == "LONGTEXT" {
			return col
		}
		return col + defaultClause(c.Default, "1", "0")
	})
}

func (mysqlDialect) CreateIndexes(t TableSchema) []string {
	out := make([]string, 0, len(t.Indexes))
	for _, cols := range t.Indexes {
		out = append(out, fmt.Sprintf("CREATE INDEX %s ON %s (%s)", indexName(t.Name, cols), t.Name, cols))
	}
	return out
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return DriverSQLite }

func (sqliteDialect) MapType(schemaType string) string {
	schemaType = strings.ToLower(schemaType)
	if strings.HasPrefix(schemaType, "varchar") {
		return "TEXT"
	}
	switch schemaType {
	case "serial", "bigserial", "int", "integer", "bigint", "bool", "boolean":
		return "INTEGER"
	case "timestamp":
		return "TIMESTAMP"
	case "double", "float", "real":
		return "REAL"
	}
	return "TEXT"
}

func (d sqliteDialect) CreateTable(t TableSchema) string {
	return createTable(t, func(c ColumnDef, pk bool) string {
		if pk && isSerial(c.Type) {
			return fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", c.Name)
		}
		col := fmt.Sprintf("%s %s", c.Name, d.MapType(c.Type))
		if pk {
			return col + " PRIMARY KEY"
		}
		if c.Required {
			col += " NOT NULL"
		}
		if c.Unique {
			col += " UNIQUE"
		}
		return col + defaultClause(c.Default, "1", "0")
	})
}

func (sqliteDialect) CreateIndexes(t TableSchema) []string {
	return postgresDialect{}.CreateIndexes(t)
}

// Migrate creates every SLA table and index that does not exist yet and
// seeds the configuration version row.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	d, err := DialectFor(db.DriverName())
	if err != nil {
		return err
	}
	tables, err := LoadSchema()
	if err != nil {
		return err
	}

	for _, t := range tables {
		if _, err := db.ExecContext(ctx, d.CreateTable(t)); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		for _, stmt := range d.CreateIndexes(t) {
			if _, err := db.ExecContext(ctx, stmt); err != nil && !duplicateIndex(err) {
				return fmt.Errorf("create index on %s: %w", t.Name, err)
			}
		}
	}

	var n int
	if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sla_config_version"); err != nil {
		return fmt.Errorf("read config version: %w", err)
	}
	if n == 0 {
		if _, err := db.ExecContext(ctx, db.Rebind("INSERT INTO sla_config_version (id, version) VALUES (?, ?)"), 1, 0); err != nil {
			return fmt.Errorf("seed config version: %w", err)
		}
	}
	return nil
}

func duplicateIndex(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1061
}
