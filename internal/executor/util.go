package executor

import "strings"

func shq(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" }

func trimNewline(s string) string { return strings.TrimSpace(s) }
