package match

import (
	"sort"
	"strings"
)

// DerivePrefix returns the longest static, segment-aligned prefix of a glob.
// Escaped metacharacters count as literals.
//
//	"data/2024/**/*.parquet" -> "data/2024/"
//	"*.json"                 -> ""
//	"logs/app-{a,b}/*.log"   -> "logs/"
//	"exact/file.txt"         -> "exact/file.txt"
//	`data/file\*.txt`        -> "data/file*.txt"
func DerivePrefix(pattern string) string {
	var b strings.Builder
	lastSlash := -1
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			i++
			b.WriteByte(pattern[i])
		case c == '*' || c == '?' || c == '[' || c == '{':
			if lastSlash < 0 {
				return ""
			}
			return b.String()[:lastSlash+1]
		default:
			if c == '/' {
				lastSlash = b.Len()
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// DerivePrefixes derives one prefix per pattern, drops prefixes covered by
// a shorter one, and sorts the rest.
//
//	["data/**", "data/2024/**"] -> ["data/"]
//	["**/*.json", "logs/**"]    -> [""]
func DerivePrefixes(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}

	prefixes := make([]string, 0, len(patterns))
	for _, p := range patterns {
		prefix := DerivePrefix(p)
		if prefix == "" {
			return []string{""}
		}
		prefixes = append(prefixes, prefix)
	}

	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) < len(prefixes[j]) })
	kept := prefixes[:0]
	for _, candidate := range prefixes {
		covered := false
		for _, k := range kept {
			if strings.HasPrefix(candidate, k) {
				covered = true
				break
			}
		}
		if !covered {
			kept = append(kept, candidate)
		}
	}
	sort.Strings(kept)
	return kept
}
