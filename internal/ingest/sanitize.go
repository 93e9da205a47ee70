package ingest

import "strings"

// sanitize recursively strips the NUL byte from every string value in a
// decoded JSON document — Postgres's JSONB type rejects it outright.
// Mirrors apipipeline/utils.py's clean_data, generalized to Go's
// map[string]any / []any shape from encoding/json.
func sanitize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = sanitize(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = sanitize(val)
		}
		return t
	case string:
		if strings.IndexByte(t, 0) < 0 {
			return t
		}
		return strings.ReplaceAll(t, "\x00", "")
	default:
		return v
	}
}
