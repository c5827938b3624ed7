package procrunner

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// SSHConnectTimeout bounds how long an SSH TCP/auth handshake may take
// before the connection attempt is abandoned.
const SSHConnectTimeout = 10 * time.Second

// SSHTarget identifies a remote host reachable over SSH.
type SSHTarget struct {
	Host string
	Port int
	User string
}

// Argv builds the outer `ssh` argv used for all remote calls: batch mode
// (never prompts for a password or passphrase), a bounded connect timeout,
// and host-key checking disabled (the orchestrator targets ephemeral/dev
// hosts it does not maintain a known_hosts entry for).
func (t SSHTarget) Argv(remoteCommand string) []string {
	argv := []string{
		"ssh",
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(SSHConnectTimeout/time.Second)),
		"-o", "StrictHostKeyChecking=no",
	}
	if t.Port != 0 && t.Port != 22 {
		argv = append(argv, "-p", fmt.Sprintf("%d", t.Port))
	}
	host := t.Host
	if t.User != "" {
		host = t.User + "@" + t.Host
	}
	argv = append(argv, host, remoteCommand)
	return argv
}

// EncodeBase64 base64-encodes a string for safe transport through a shell
// command line, avoiding any quoting/escaping of the original content.
func EncodeBase64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// LoginShellPreamble wraps a remote body in a login-shell invocation that
// sources NVM and an optional ~/proxy.sh before running body. zsh logins
// additionally source ~/.zshrc explicitly, since some zsh installs do not
// load it for non-interactive `-c` invocations.
func LoginShellPreamble(shell, body string) string {
	var sourceRC string
	if shell == "zsh" {
		sourceRC = `[ -f "$HOME/.zshrc" ] && source "$HOME/.zshrc"; `
	}
	script := fmt.Sprintf(
		`export NVM_DIR="$HOME/.nvm"; [ -s "$NVM_DIR/nvm.sh" ] && \. "$NVM_DIR/nvm.sh"; `+
			`[ -f "$HOME/proxy.sh" ] && source "$HOME/proxy.sh"; %s%s`,
		sourceRC, body,
	)
	return fmt.Sprintf("%s -c %s", shell, shellQuote(script))
}

// DockerExecWrap wraps command to run inside a named container at the given
// in-container working directory, for SshContainer workspaces.
func DockerExecWrap(containerName, path, shell, command string) string {
	return fmt.Sprintf("docker exec -w %s %s %s -c %s",
		shellQuote(path), shellQuote(containerName), shell, shellQuote(command))
}

// ExportEnvPrefix returns a shell fragment exporting each "KEY=VALUE" entry
// in env before body runs, so per-workspace overrides (e.g.
// CUDA_VISIBLE_DEVICES for a GPU-pinned workspace) reach the remote process
// the same way they reach a local one via procrunner.Local.Env.
func ExportEnvPrefix(env []string) string {
	var sb strings.Builder
	for _, kv := range env {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		sb.WriteString("export ")
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(shellQuote(val))
		sb.WriteString("; ")
	}
	return sb.String()
}

// PromptEnvDecode returns a shell fragment that decodes a base64-encoded
// prompt into the _AITASK_PROMPT environment variable, to be prepended
// inside the script body so startup files cannot clobber it.
func PromptEnvDecode(promptB64 string) string {
	return fmt.Sprintf(`_AITASK_PROMPT=$(echo %s | base64 -d); `, shellQuote(promptB64))
}

// shellQuote wraps s in single quotes, escaping any embedded single quote
// via the standard '\'' trick, so arbitrary content (including quotes,
// backslashes, and shell metacharacters) survives as one shell word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// StageAndRunTmux builds the single SSH call that lands the base64-encoded
// script on the remote host at scriptPath, then starts it detached inside a
// named tmux session with output redirected to logPath and an EXIT_CODE:
// sentinel appended on completion.
func StageAndRunTmux(target SSHTarget, scriptB64, scriptPath, logPath, session string) []string {
	remote := fmt.Sprintf(
		"echo %s | base64 -d > %s && chmod +x %s && tmux new-session -d -s %s bash -c %s",
		shellQuote(scriptB64), shellQuote(scriptPath), shellQuote(scriptPath),
		shellQuote(session),
		shellQuote(fmt.Sprintf("bash %s >> %s 2>&1; echo EXIT_CODE:$? >> %s", scriptPath, logPath, logPath)),
	)
	return target.Argv(remote)
}

// KillTmuxSession builds the SSH argv that kills a remote tmux session.
func KillTmuxSession(target SSHTarget, session string) []string {
	return target.Argv(fmt.Sprintf("tmux kill-session -t %s", shellQuote(session)))
}

// CleanupRemoteFiles builds the SSH argv that removes the staged script and
// log files, called unconditionally once a remote run finishes.
func CleanupRemoteFiles(target SSHTarget, paths ...string) []string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(p)
	}
	return target.Argv("rm -f " + strings.Join(quoted, " "))
}

// Exec runs a one-shot SSH command to completion and returns its combined
// stdout+stderr output and exit code. Used for short probes (base branch
// detection, worktree validity checks) that don't need streaming.
func Exec(ctx context.Context, argv []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			return string(out), -1, err
		}
	}
	return string(out), code, nil
}

// Tail streams a remote file's growth (equivalent to `tail -F`) over its own
// SSH pipeline, delivering each line to onLine as it arrives. It returns
// when the underlying ssh process exits (e.g. the driving process killed
// it) or ctx is cancelled; it has no internal timeout, matching the "log
// tailing has no timeout" design note.
func Tail(ctx context.Context, target SSHTarget, remotePath string, onLine func(line string)) error {
	argv := target.Argv(fmt.Sprintf("tail -n +1 -F %s", shellQuote(remotePath)))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open tail stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start tail: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		onLine(scanner.Text())
	}

	_ = cmd.Wait()
	return scanner.Err()
}
