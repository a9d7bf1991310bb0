package models

import (
	"database/sql/driver"
	"encoding/json"
)

// Operator is a comparison used by a typed predicate.
type Operator string

const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "neq"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpLess        Operator = "lt"
	OpLessOrEqual Operator = "lte"
	OpGreater     Operator = "gt"
	OpGreaterOrEq Operator = "gte"
	OpContains    Operator = "contains"
)

// Condition is a single (field, operator, value) predicate. All conditions in
// a list must hold for the list to match. For in/not_in the value is a
// comma-separated list; numeric operators accept plain minutes or a Go
// duration string such as "15m".
type Condition struct {
	Field    string   `json:"field" yaml:"field" toml:"field"`
	Operator Operator `json:"operator" yaml:"operator" toml:"operator"`
	Value    string   `json:"value" yaml:"value" toml:"value"`
}

// Conditions is a conjunction of predicates persisted as JSON.
type Conditions []Condition

// Value implements driver.Valuer.
func (c Conditions) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]Condition(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *Conditions) Scan(src interface{}) error {
	return scanJSON(src, c)
}
