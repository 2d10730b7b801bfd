package expr

import "strings"

// Normalize rewrites JavaScript-flavored sugar the planner tends to emit into
/// the evaluator's grammar: && / || / ! become and / or / not, strict equality
// collapses to loose, and Date.now() becomes the now() builtin. Rewrites skip
// string literals. Bracket access (obj['key']) and method calls
// (.includes(x)) are handled natively by the parser and need no rewriting.
func Normalize(src string) string {
	src = replaceOutsideStrings(src, "===", "==")
	src = replaceOutsideStrings(src, "!==", "!=")
	src = replaceOutsideStrings(src, "&&", " and ")
	src = replaceOutsideStrings(src, "||", " or ")
	src = replaceOutsideStrings(src, "Date.now()", "now()")
	src = rewriteBang(src)
	return strings.TrimSpace(src)
}

// replaceOutsideStrings substitutes old with new everywhere except inside
// single- or double-quoted literals.
func replaceOutsideStrings(src, old, new string) string {
	var b strings.Builder
	b.Grow(len(src))
	var quote byte
	for i := 0; i < len(src); {
		c := src[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == quote {
				quote = 0
			}
			i++
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			b.WriteByte(c)
			i++
			continue
		}
		if strings.HasPrefix(src[i:], old) {
			b.WriteString(new)
			i += len(old)
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// rewriteBang turns logical negation into the not keyword, leaving != intact.
func rewriteBang(src string) string {
	var b strings.Builder
	b.Grow(len(src) + 8)
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			b.WriteByte(c)
			continue
		}
		if c == '!' && (i+1 >= len(src) || src[i+1] != '=') {
			b.WriteString(" not ")
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
