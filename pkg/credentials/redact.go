package credentials

import (
	"sort"
	"strings"
)

// minRedactLen keeps very short values from blanking unrelated text.
const minRedactLen = 4

// Redact returns a copy of fields with every value replaced by Redacted.
// Names stay visible so clients can tell which credentials are set. Empty
// values stay empty.
func Redact(fields map[string]string) map[string]string {
	if fields == nil {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if v == "" {
			out[k] = ""
			continue
		}
		out[k] = Redacted
	}
	return out
}

// RedactText replaces every occurrence of the given secret values in text.
// Longer values are replaced first so overlapping secrets are fully masked.
func RedactText(text string, secrets ...string) string {
	values := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if len(s) >= minRedactLen {
			values = append(values, s)
		}
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		text = strings.ReplaceAll(text, v, Redacted)
	}
	return text
}

// Values returns all values of fields, for use with RedactText.
func Values(fields map[string]string) []string {
	out := make([]string, 0, len(fields))
	for _, v := range fields {
		out = append(out, v)
	}
	return out
}
