package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringList stores a string slice in a jsonb column.
type StringList []string

// Value implements driver.Valuer.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	data, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected jsonb source type %T", value)
	}
	return json.Unmarshal(data, s)
}
