package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RequestLog is one row of the API request audit trail.
type RequestLog struct {
	ID             int64        `db:"id" json:"-"`
	ProjectID      *int64       `db:"project_id" json:"project_id"`
	Method         string       `db:"method" json:"method"`
	Path           string       `db:"path" json:"path"`
	StatusCode     int          `db:"status_code" json:"status_code"`
	ResponseTimeMS int64        `db:"response_time_ms" json:"response_time_ms"`
	IPAddress      string       `db:"ip_address" json:"ip_address"`
	UserAgent      string       `db:"user_agent" json:"user_agent"`
	Headers        HeaderSubset `db:"headers" json:"headers"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

// HeaderSubset is the allow-listed part of a request's headers.
type HeaderSubset map[string]string

// Value implements driver.Valuer.
func (h HeaderSubset) Value() (driver.Value, error) {
	if h == nil {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	return string(b), err
}

// Scan implements sql.Scanner.
func (h *HeaderSubset) Scan(src interface{}) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	*h = HeaderSubset{}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, h)
}

func jsonBytes(src interface{}) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T into a JSON column", src)
	}
}
