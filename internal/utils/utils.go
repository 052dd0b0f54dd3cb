package utils

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/apex/log/handlers/cli"
)

var normalPadding = cli.Default.Padding

// Indent indents apex log line to supplied level
func Indent(f func(s string), level int) func(string) {
	return func(s string) {
		prev := cli.Default.Padding
		cli.Default.Padding = normalPadding * level
		f(s)
		cli.Default.Padding = prev
	}
}

// Pad creates left padding for printf members
func Pad(length int) string {
	if length > 0 {
		return strings.Repeat(" ", length)
	}
	return " "
}

// MaxQuoted is the number of runes Quote keeps.
const MaxQuoted = 120

// Quote returns s as a Go string literal, shortened to MaxQuoted runes, so
// control characters and invalid surrogates stay readable in log lines.
func Quote(s string) string {
	if utf8.RuneCountInString(s) <= MaxQuoted {
		return strconv.Quote(s)
	}
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n == MaxQuoted {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strconv.Quote(b.String()) + "..."
}

// ExternalName converts an internal class name (a/b/C) to its dotted form.
func ExternalName(internal string) string {
	return strings.ReplaceAll(internal, "/", ".")
}

// InternalName converts a dotted class name to its internal form, dropping a
// trailing .class if present.
func InternalName(name string) string {
	return strings.ReplaceAll(strings.TrimSuffix(name, ".class"), ".", "/")
}
