package procrunner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocal_Run_CapturesLinesAndExitCode(t *testing.T) {
	l := &Local{Argv: []string{"sh", "-c", "echo one; echo two; exit 3"}}

	var lines []string
	code, err := l.Run(context.Background(), nil, func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	require.Equal(t, 3, code)
	require.Equal(t, []string{"one", "two"}, lines)
}

func TestLocal_Run_Cancellation(t *testing.T) {
	l := &Local{Argv: []string{"sh", "-c", "sleep 30"}}

	var cancelled atomic.Bool
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancelled.Store(true)
	}()

	start := time.Now()
	code, err := l.Run(context.Background(), cancelled.Load, func(string) {})
	require.NoError(t, err)
	require.Equal(t, 130, code)
	require.Less(t, time.Since(start), killGrace+2*time.Second)
}

func TestShellQuote_SurvivesMetacharacters(t *testing.T) {
	in := `it's a "test" with $(danger) and \backslashes\`
	quoted := shellQuote(in)
	require.Equal(t, `'it'\''s a "test" with $(danger) and \backslashes\'`, quoted)
}

func TestSSHTarget_Argv(t *testing.T) {
	target := SSHTarget{Host: "example.com", Port: 2222, User: "alice"}
	argv := target.Argv("echo hi")
	require.Contains(t, argv, "BatchMode=yes")
	require.Contains(t, argv, "ConnectTimeout=10")
	require.Contains(t, argv, "-p")
	require.Contains(t, argv, "2222")
	require.Equal(t, "alice@example.com", argv[len(argv)-2])
	require.Equal(t, "echo hi", argv[len(argv)-1])
}
