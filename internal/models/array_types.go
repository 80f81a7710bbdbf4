package models

import (
	"database/sql/driver"

	"github.com/lib/pq"
)

// StringArray maps seat lists to PostgreSQL TEXT[] columns
type StringArray []string

// Value writes a nil list as '{}' so NOT NULL array columns accept it
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return pq.StringArray{}.Value()
	}
	return pq.StringArray(a).Value()
}

// Scan reads a TEXT[] column; SQL NULL becomes a nil list
func (a *StringArray) Scan(src interface{}) error {
	return (*pq.StringArray)(a).Scan(src)
}
