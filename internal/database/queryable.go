package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Queryable is the union of the sqlx methods implemented by both
// *sqlx.DB and *sqlx.Tx. Store methods accept this interface so they can
// run standalone or composed inside a WrapTx transaction.
type Queryable interface {
	Exec(query string, args ...any) (sql.Result, error)
	NamedExec(query string, arg any) (sql.Result, error)
	Get(dest any, query string, args ...any) error
	Select(dest any, query string, args ...any) error
	Rebind(query string) string
}

// JsonColumn wraps a value which is stored in a JSON/JSONB column, or
// produced by a JSON aggregate inside a query. Scanning populates the
// inner value; a SQL NULL leaves it nil.
type JsonColumn[T any] struct {
	val *T
}

func (j *JsonColumn[T]) Scan(src any) error {
	if src == nil {
		j.val = nil
		return nil
	}

	var data []byte
	switch src := src.(type) {
	case []byte:
		data = src
	case string:
		data = []byte(src)
	default:
		return fmt.Errorf("cannot scan %T in to JsonColumn", src)
	}

	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return err
	}

	j.val = out
	return nil
}

func (j JsonColumn[T]) Value() (driver.Value, error) {
	if j.val == nil {
		return nil, nil
	}

	return json.Marshal(*j.val)
}

func (j *JsonColumn[T]) Get() *T { return j.val }
