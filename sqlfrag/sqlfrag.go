// Package sqlfrag builds parameterized SQL fragments from ordered literal
// text and interpolated values, the way database/events.go inlines
// "$1"-style placeholders by hand but generalized into a small composable
// builder. Go has no tagged-template syntax, so the JS-style
// sql`...${v}ID...` call becomes New(firstChunk, v1, chunk1, v2, chunk2, ...) -
// the same strings/values interleaving a tagged template receives, just
// passed positionally.
package sqlfrag

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frag is the output of a builder call: parameterized SQL text plus the
// ordered bind values for its "?" placeholders.
type Frag struct {
	SQL   string
	Binds []any
}

var knownTags = map[string]bool{
	"ID":   true,
	"LIT":  true,
	"JSON": true,
}

// New builds a Frag from an initial literal chunk followed by (value,
// literal-chunk) pairs, mirroring a tagged template's strings/values
// interleaving. Each value is associated with the tag, if any, found at the
// start of the literal chunk immediately following it.
func New(first string, pairs ...any) (Frag, error) {
	if len(pairs)%2 != 0 {
		return Frag{}, fmt.Errorf("sqlfrag.New: values must each be followed by a literal chunk (got %d trailing args)", len(pairs))
	}

	var sql strings.Builder
	var binds []any
	sql.WriteString(first)

	for i := 0; i < len(pairs); i += 2 {
		val := pairs[i]
		chunk, ok := pairs[i+1].(string)
		if !ok {
			return Frag{}, fmt.Errorf("sqlfrag.New: argument %d must be a literal string chunk", i+2)
		}

		tag, rest := extractTag(chunk)
		switch tag {
		case "ID":
			sql.WriteString(quoteIdent(toText(val)))
			sql.WriteString(rest)
		case "LIT":
			sql.WriteString(toText(val))
			sql.WriteString(rest)
		case "JSON":
			encoded, err := json.Marshal(val)
			if err != nil {
				return Frag{}, fmt.Errorf("sqlfrag.New: JSON-encoding value %d: %w", i/2+1, err)
			}
			sql.WriteString("?")
			binds = append(binds, string(encoded))
			sql.WriteString(rest)
		default:
			sql.WriteString("?")
			binds = append(binds, val)
			sql.WriteString(chunk)
		}
	}

	return Frag{SQL: sql.String(), Binds: binds}, nil
}

// Must is New but panics on error, for call sites building static fragments
// (e.g. package-level schema constants) where the value set is known to
// JSON-encode cleanly.
func Must(first string, pairs ...any) Frag {
	f, err := New(first, pairs...)
	if err != nil {
		panic(err)
	}
	return f
}

// extractTag finds the leading run of [A-Z] in chunk and, if it exactly
// matches a known tag and isn't immediately followed by a lowercase letter
// (e.g. "IDs", "JSONs" read as plain text, not a tag use), returns the tag
// name and the remainder of chunk with the tag text removed. Otherwise it
// returns ("", chunk) unchanged.
func extractTag(chunk string) (tag string, rest string) {
	i := 0
	for i < len(chunk) && chunk[i] >= 'A' && chunk[i] <= 'Z' {
		i++
	}
	run := chunk[:i]
	if !knownTags[run] {
		return "", chunk
	}
	if i < len(chunk) {
		c := chunk[i]
		if c >= 'a' && c <= 'z' {
			return "", chunk
		}
	}
	return run, chunk[i:]
}

// quoteIdent double-quotes a SQL identifier, escaping embedded quotes.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// toText renders v as it should appear verbatim in a LIT/ID fragment:
// strings pass through unquoted, everything else uses its default text
// form. This is distinct from ValToSQL, which produces a properly quoted
// SQL literal.
func toText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// ValToSQL renders v as a standalone SQL literal: true/false as 1/0,
// numbers as decimal text, strings single-quoted with embedded quotes
// doubled, and nil as NULL. Used for literal-fragment debugging and by
// callers building LIT fragments that want proper SQL-literal quoting
// instead of ID/LIT's verbatim text form.
func ValToSQL(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "1"
		}
		return "0"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	default:
		return fmt.Sprintf("%v", x)
	}
}

// QuoteIdent exposes the identifier-quoting rule used by the ID tag.
func QuoteIdent(s string) string {
	return quoteIdent(s)
}
