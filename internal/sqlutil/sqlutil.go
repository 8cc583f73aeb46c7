// Package sqlutil provides safe embedding of JSON values into SQL
// literals, and tolerant reads of JSON columns that may come back from
// a driver as string, []byte, or NULL (spec §3, §7, §8.9).
//
// Dolt speaks the MySQL dialect over its CLI/SQL surface: the core
// drives it by shelling `dolt sql -q "<statement>"` (see internal/dolt),
// so JSON values destined for VCS tables are embedded as SQL string
// literals rather than passed as driver bind parameters. MySQL's default
// backslash-escaping mode means both backslashes and single quotes must
// be escaped for a literal to round-trip exactly.
package sqlutil

import (
	"encoding/json"
	"fmt"
	"strings"
)

var sqlLiteralReplacer = strings.NewReplacer(`\`, `\\`, `'`, `''`)

// EscapeSQLString escapes a raw string for safe embedding between single
// quotes in a MySQL-dialect SQL statement.
func EscapeSQLString(s string) string {
	return sqlLiteralReplacer.Replace(s)
}

// EmbedJSON marshals v to JSON and returns a single-quoted SQL string
// literal suitable for inlining into an INSERT/UPDATE statement against
// a JSON column.
func EmbedJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlutil: marshal json: %w", err)
	}
	return "'" + EscapeSQLString(string(raw)) + "'", nil
}

// EmbedJSONString is like EmbedJSON but takes an already-serialized JSON
// string (e.g. one read back from another row) and re-embeds it as-is.
func EmbedJSONString(serialized string) string {
	return "'" + EscapeSQLString(serialized) + "'"
}

// ParseJSONColumn tolerantly decodes a value read back from a JSON
// column. It accepts string, []byte, json.RawMessage, or nil (treated
// as an empty map), so callers don't need to know which representation
// a given driver/AS-OF query path returned.
func ParseJSONColumn(raw any) (map[string]any, error) {
	if raw == nil {
		return map[string]any{}, nil
	}

	var data []byte
	switch v := raw.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case json.RawMessage:
		data = v
	default:
		return nil, fmt.Errorf("sqlutil: unsupported JSON column type %T", raw)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]any{}, nil
	}

	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("sqlutil: unmarshal json column: %w", err)
	}
	return out, nil
}

// MarshalMetadata serializes a metadata map to a compact JSON string for
// storage in a TEXT column whose values are bound via driver parameters
// rather than inlined into SQL text.
func MarshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("sqlutil: marshal metadata: %w", err)
	}
	return string(raw), nil
}

// UnmarshalMetadata tolerantly parses a metadata column value bound via
// driver parameters (always a string or NULL in that path).
func UnmarshalMetadata(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("sqlutil: unmarshal metadata: %w", err)
	}
	return out, nil
}
