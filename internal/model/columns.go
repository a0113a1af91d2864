package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Option is one selectable choice of a multiple-choice question.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Options is stored as a JSON text column.
type Options []Option

// Value implements driver.Valuer.
func (o Options) Value() (driver.Value, error) { return jsonValue(o) }

// Scan implements sql.Scanner.
func (o *Options) Scan(src any) error { return jsonScan(src, o) }

// IDList is an ordered list of ids stored as a JSON text column.
type IDList []string

// Value implements driver.Valuer.
func (l IDList) Value() (driver.Value, error) { return jsonValue(l) }

// Scan implements sql.Scanner.
func (l *IDList) Scan(src any) error { return jsonScan(src, l) }

// OptionOrder is the frozen option-key order per question id.
type OptionOrder map[string][]string

// Value implements driver.Valuer.
func (o OptionOrder) Value() (driver.Value, error) { return jsonValue(o) }

// Scan implements sql.Scanner.
func (o *OptionOrder) Scan(src any) error { return jsonScan(src, o) }

// OptionStatistics maps option keys to their selection distribution.
type OptionStatistics map[string]OptionStat

// Value implements driver.Valuer.
func (s OptionStatistics) Value() (driver.Value, error) { return jsonValue(s) }

// Scan implements sql.Scanner.
func (s *OptionStatistics) Scan(src any) error { return jsonScan(src, s) }

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(src any, dst any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, dst)
}

// UnmarshalJSON defaults Active to true when the field is absent.
func (q *Question) UnmarshalJSON(b []byte) error {
	type plain Question
	p := plain{Active: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*q = Question(p)
	return nil
}
