package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON is a raw JSON database column. The bytes pass through unmodified both
// to the driver and to API responses, so insertion order of object keys is
// preserved end to end.
type JSON []byte

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		buf := make([]byte, len(v))
		copy(buf, v)
		*j = buf
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("models: cannot scan %T into JSON column", value)
	}
	return nil
}

// MarshalJSON emits the raw bytes, or null when empty.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw bytes verbatim.
func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// GormDataType tells gorm to create a jsonb column.
func (JSON) GormDataType() string { return "jsonb" }

// StringList is a JSON-encoded []string column (bot symbol lists).
type StringList []string

// Value implements driver.Valuer.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		s = StringList{}
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *StringList) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("models: cannot scan %T into StringList column", value)
	}
}

// GormDataType tells gorm to create a jsonb column.
func (StringList) GormDataType() string { return "jsonb" }
