package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// ID identifies a board, column or task. Server ids are integers on the wire;
// locally created entities carry a provisional id until the server confirms them.
type ID string

const provisionalPrefix = "local-"

// NewProvisionalID returns a fresh client-side id.
func NewProvisionalID() ID {
	return ID(provisionalPrefix + uuid.NewString())
}

// IsProvisional reports whether the id was minted locally and is not yet known to the server.
func (id ID) IsProvisional() bool {
	return strings.HasPrefix(string(id), provisionalPrefix)
}

func (id ID) String() string { return string(id) }

// MarshalJSON encodes canonical integers as JSON numbers and anything else as a string.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if isCanonicalInt(string(id)) {
		return []byte(id), nil
	}
	return sonic.Marshal(string(id))
}

// UnmarshalJSON accepts a JSON integer, a string or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	raw := bytes.TrimSpace(b)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		*id = ""
		return nil
	case raw[0] == '"':
		var s string
		if err := sonic.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = ID(s)
		return nil
	default:
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("decode id: invalid number %q", raw)
		}
		*id = ID(strconv.FormatInt(n, 10))
		return nil
	}
}

func isCanonicalInt(s string) bool {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return false
	}
	return strconv.FormatInt(n, 10) == s
}
