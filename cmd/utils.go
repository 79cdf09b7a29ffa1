package main

import (
	"strconv"
	"strings"
	"time"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func itoa(n int) string { return strconv.Itoa(n) }

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format(time.DateTime)
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
