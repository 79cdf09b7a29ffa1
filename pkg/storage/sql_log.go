package storage

import (
	"fmt"
	"strings"
	"time"
)

// FormatSQLForLog interpolates positional parameters into a SQL query string for logging only.
// Both SQLite "?" and Postgres "$N" placeholders are understood.
func FormatSQLForLog(query string, args ...any) string {
	if strings.TrimSpace(query) == "" || len(args) == 0 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	used := make([]bool, len(args))
	argIdx := 0
	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if ch == '?' && argIdx < len(args) {
			b.WriteString(FormatSQLArg(args[argIdx]))
			used[argIdx] = true
			argIdx++
			continue
		}
		if ch == '$' {
			j := i + 1
			n := 0
			for j < len(runes) && runes[j] >= '0' && runes[j] <= '9' {
				n = n*10 + int(runes[j]-'0')
				j++
			}
			if j > i+1 && n >= 1 && n <= len(args) {
				b.WriteString(FormatSQLArg(args[n-1]))
				used[n-1] = true
				i = j - 1
				continue
			}
		}
		b.WriteRune(ch)
	}
	var rest []string
	for i, ok := range used {
		if !ok {
			rest = append(rest, FormatSQLArg(args[i]))
		}
	}
	if len(rest) > 0 {
		b.WriteString(" /* args: ")
		b.WriteString(strings.Join(rest, ", "))
		b.WriteString(" */")
	}
	return b.String()
}

// FormatSQLArg formats a SQL argument for logging only.
func FormatSQLArg(arg any) string {
	if arg == nil {
		return "NULL"
	}
	switch v := arg.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(v), "'", "''") + "'"
	case time.Time:
		return "'" + v.Format(time.RFC3339) + "'"
	case fmt.Stringer:
		return "'" + strings.ReplaceAll(v.String(), "'", "''") + "'"
	default:
		return fmt.Sprintf("%v", arg)
	}
}
