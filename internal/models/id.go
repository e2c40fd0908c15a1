// Package models defines types shared across internal packages.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID identifies a user, conversation or message. The server sends
// integer identifiers while provisional ids generated on this side are
// UUID strings, so ID accepts both on decode and always encodes as a
// JSON string.
type ID string

// UnmarshalJSON accepts a JSON string, a JSON number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding id: %w", err)
		}

		*id = ID(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decoding id: %w", err)
	}

	*id = ID(n.String())

	return nil
}

// String returns the identifier as a plain string.
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool {
	return id == ""
}
