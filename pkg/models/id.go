package models

import (
	"fmt"
	"strconv"
	"strings"
)

// BigInt identifiers are serialized as decimal strings at every JSON
// boundary (events, API responses, webhook payloads) because downstream
// consumers cannot represent 64-bit integers safely.

// FormatID renders a numeric id as its decimal string form.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseID parses a decimal string id back into int64.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

// ParseIDs parses a list of decimal string ids, rejecting the first invalid one.
func ParseIDs(ss []string) ([]int64, error) {
	ids := make([]int64, 0, len(ss))
	for _, s := range ss {
		id, err := ParseID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FormatIDs renders numeric ids as decimal strings, preserving order.
func FormatIDs(ids []int64) []string {
	ss := make([]string, 0, len(ids))
	for _, id := range ids {
		ss = append(ss, FormatID(id))
	}
	return ss
}
