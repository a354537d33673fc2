package filter

import "strings"

// JoinPath turns an ordered list of field names into a gjson path,
// escaping characters gjson would otherwise treat as syntax
func JoinPath(fields []string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = escape(f)
	}
	return strings.Join(escaped, ".")
}

// SplitPath splits a dotted configuration path such as "payload.request_data"
// into field names. Empty input gives an empty list.
func SplitPath(path string) []string {
	fields := []string{}
	for _, f := range strings.Split(path, ".") {
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func escape(field string) string {
	var b strings.Builder
	for _, r := range field {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
