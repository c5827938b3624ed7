package procrunner

import (
	"os"
	"os/exec"
	"strings"
)

// windowsShellVariant is one way to invoke argv on Windows: wrapped by a
// shell (so PATH resolution and .cmd/.ps1 shims behave the way they do in
// an interactive session) or, as the last resort, the bare argv exec'd
// directly.
type windowsShellVariant struct {
	name string
	argv []string
}

// resolveWindowsShellPriority returns the Windows shells available on this
// host, in fallback order: git-bash, then cmd, then powershell. Shells that
// cannot be found are omitted.
func resolveWindowsShellPriority() []windowsShellVariant {
	var shells []windowsShellVariant

	gitBashCandidates := []string{
		`C:\Program Files\Git\bin\bash.exe`,
		`C:\Program Files\Git\usr\bin\bash.exe`,
	}
	found := false
	for _, candidate := range gitBashCandidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			shells = append(shells, windowsShellVariant{name: "git-bash", argv: []string{candidate}})
			found = true
			break
		}
	}
	if !found {
		if path, err := exec.LookPath("bash"); err == nil {
			shells = append(shells, windowsShellVariant{name: "git-bash", argv: []string{path}})
		}
	}

	if path, err := exec.LookPath("cmd.exe"); err == nil {
		shells = append(shells, windowsShellVariant{name: "cmd", argv: []string{path}})
	} else if path, err := exec.LookPath("cmd"); err == nil {
		shells = append(shells, windowsShellVariant{name: "cmd", argv: []string{path}})
	}

	if path, err := exec.LookPath("powershell.exe"); err == nil {
		shells = append(shells, windowsShellVariant{name: "powershell", argv: []string{path}})
	} else if path, err := exec.LookPath("powershell"); err == nil {
		shells = append(shells, windowsShellVariant{name: "powershell", argv: []string{path}})
	}

	return shells
}

// buildWindowsCommandVariants builds the ordered attempt list for argv:
// git-bash, cmd, powershell wrappers (whichever shells resolveWindowsShellPriority
// found), then argv itself as a direct-exec last resort.
func buildWindowsCommandVariants(argv []string) []windowsShellVariant {
	var variants []windowsShellVariant

	for _, shell := range resolveWindowsShellPriority() {
		switch shell.name {
		case "git-bash":
			variants = append(variants, windowsShellVariant{
				name: shell.name,
				argv: append(append([]string{}, shell.argv...), "-lc", posixShellJoin(argv)),
			})
		case "cmd":
			variants = append(variants, windowsShellVariant{
				name: shell.name,
				argv: append(append([]string{}, shell.argv...), "/d", "/s", "/c", windowsCommandLine(argv)),
			})
		case "powershell":
			variants = append(variants, windowsShellVariant{
				name: shell.name,
				argv: append(append([]string{}, shell.argv...),
					"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass",
					"-Command", powershellCommandLine(argv)),
			})
		}
	}

	variants = append(variants, windowsShellVariant{name: "direct", argv: argv})
	return variants
}

// commandNotFoundExitCodes are the exit codes a shell (or Windows itself)
// uses to report "no such command", distinct from the target CLI's own
// exit codes.
var commandNotFoundExitCodes = map[int]bool{127: true, 9009: true}

// commandNotFoundProbes are buffered-output substrings (lower-cased) that
// indicate a shell failed to resolve the command at all, as opposed to the
// command running and itself exiting 1.
var commandNotFoundProbes = []string{
	"command not found",
	"is not recognized as an internal or external command",
	"the term",
	"cannot find the file",
}

// isCommandNotFound reports whether code/output describe a shell's failure
// to locate the command, the signal that the cascade should advance to the
// next variant rather than surface this as the run's final result.
func isCommandNotFound(code int, bufferedOutput string) bool {
	if commandNotFoundExitCodes[code] {
		return true
	}
	if code != 1 {
		return false
	}
	lower := strings.ToLower(bufferedOutput)
	for _, probe := range commandNotFoundProbes {
		if strings.Contains(lower, probe) {
			return true
		}
	}
	return false
}

// posixShellJoin quotes each argument for a POSIX shell command line,
// mirroring Python's shlex.join.
func posixShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// windowsCommandLine renders argv using the quoting rules cmd.exe and the
// Win32 CommandLineToArgvW parser expect (the same algorithm Python's
// subprocess.list2cmdline implements): unquoted unless an argument is empty
// or contains a space, tab, or quote, backslashes are doubled only when
// they immediately precede a quote or end the argument before a closing
// quote, and embedded quotes are backslash-escaped.
func windowsCommandLine(argv []string) string {
	var sb strings.Builder
	for i, a := range argv {
		if i > 0 {
			sb.WriteByte(' ')
		}
		needsQuotes := a == "" || strings.ContainsAny(a, " \t\"")
		if !needsQuotes {
			sb.WriteString(a)
			continue
		}
		sb.WriteByte('"')
		backslashes := 0
		for _, r := range a {
			switch r {
			case '\\':
				backslashes++
			case '"':
				sb.WriteString(strings.Repeat(`\`, backslashes*2+1))
				sb.WriteByte('"')
				backslashes = 0
			default:
				if backslashes > 0 {
					sb.WriteString(strings.Repeat(`\`, backslashes))
					backslashes = 0
				}
				sb.WriteRune(r)
			}
		}
		if backslashes > 0 {
			sb.WriteString(strings.Repeat(`\`, backslashes*2))
		}
		sb.WriteByte('"')
	}
	return sb.String()
}

// powershellCommandLine renders argv as a PowerShell call operator
// invocation (`& 'cli' 'arg'`), single-quoting every token and doubling
// embedded single quotes, the same scheme PowerShell's own quoting uses.
func powershellCommandLine(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", "''") + "'"
	}
	if len(quoted) == 0 {
		return ""
	}
	return "& " + quoted[0] + " " + strings.Join(quoted[1:], " ")
}
