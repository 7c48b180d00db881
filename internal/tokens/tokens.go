// Package tokens substitutes date tokens in path and filename patterns.
package tokens

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// tokenPattern matches the recognized tokens, case-insensitively. The
// longest alternative must come first so {yyyymmdd} is not consumed as
// {yyyy} followed by literal text.
var tokenPattern = regexp.MustCompile(`(?i)\{(yyyymmdd|yyyy|yy|mm|dd)\}`)

// Expand substitutes the date tokens {yyyy}, {yy}, {mm}, {dd} and
// {yyyymmdd} in pattern against ref, interpreted in UTC. Field values are
// zero-padded to field width. A pattern with no tokens is returned
// unchanged; unrecognized brace sequences are left untouched.
func Expand(pattern string, ref time.Time) string {
	if !strings.Contains(pattern, "{") {
		return pattern
	}
	t := ref.UTC()
	return tokenPattern.ReplaceAllStringFunc(pattern, func(match string) string {
		token := strings.ToLower(match[1 : len(match)-1])
		switch token {
		case "yyyy":
			return fmt.Sprintf("%04d", t.Year())
		case "yy":
			return fmt.Sprintf("%02d", t.Year()%100)
		case "mm":
			return fmt.Sprintf("%02d", int(t.Month()))
		case "dd":
			return fmt.Sprintf("%02d", t.Day())
		case "yyyymmdd":
			return fmt.Sprintf("%04d%02d%02d", t.Year(), int(t.Month()), t.Day())
		}
		return match
	})
}

// ContainsToken reports whether s contains any recognized date token.
// Used by validation to reject tokens in the host portion of URLs.
func ContainsToken(s string) bool {
	return tokenPattern.MatchString(s)
}
