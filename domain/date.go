package domain

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Date is a task timestamp. The reference server emits naive ISO-8601 values
// without a zone; those are read as UTC.
type Date struct {
	time.Time
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NewDate wraps t, normalised to UTC.
func NewDate(t time.Time) *Date {
	return &Date{Time: t.UTC()}
}

// ParseDate parses any of the accepted timestamp layouts.
func ParseDate(s string) (Date, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Date{Time: t.UTC()}, nil
		}
	}
	return Date{}, fmt.Errorf("parse date %q: unsupported layout", s)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return sonic.Marshal(d.UTC().Format(time.RFC3339Nano))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	raw := bytes.TrimSpace(b)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		d.Time = time.Time{}
		return nil
	}
	var s string
	if err := sonic.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode date: %w", err)
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func datesEqual(a, b *Date) bool {
	switch {
	case a == nil || a.IsZero():
		return b == nil || b.IsZero()
	case b == nil:
		return false
	default:
		return a.Equal(b.Time)
	}
}
