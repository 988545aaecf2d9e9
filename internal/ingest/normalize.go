// Package ingest parses uploaded tabular files and loads their rows into
// the row store as a background task.
package ingest

import (
	"strconv"
	"strings"
)

// NormalizeHeaders converts raw header cells into the canonical column keys
// rows are stored under. Keys are lower-cased, runs of non-alphanumeric
// characters collapse to a single underscore, and leading/trailing
// underscores are trimmed. A cell that normalizes to nothing becomes
// column_N (1-based position). Duplicate keys get _2, _3... suffixes in
// first-occurrence order so every key stays unique.
func NormalizeHeaders(raw []string) []string {
	keys := make([]string, len(raw))
	seen := make(map[string]int, len(raw))

	for i, cell := range raw {
		key := normalizeHeaderCell(cell)
		if key == "" {
			key = "column_" + strconv.Itoa(i+1)
		}

		if n, taken := seen[key]; !taken {
			seen[key] = 1
		} else {
			// Walk forward until the suffixed key is itself free, so an
			// explicit "a_2" column cannot collide with a generated one.
			for {
				n++
				candidate := key + "_" + strconv.Itoa(n)
				if _, clash := seen[candidate]; !clash {
					seen[key] = n
					seen[candidate] = 1
					key = candidate
					break
				}
			}
		}

		keys[i] = key
	}

	return keys
}

func normalizeHeaderCell(cell string) string {
	var sb strings.Builder
	lastUnderscore := false

	for _, r := range strings.ToLower(strings.TrimSpace(cell)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && sb.Len() > 0 {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	return strings.TrimRight(sb.String(), "_")
}
