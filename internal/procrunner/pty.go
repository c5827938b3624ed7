package procrunner

import "io"

// ptyHandle abstracts a pseudo-terminal across platforms: creack/pty on
// Unix, Windows ConPTY elsewhere. Local uses one when UsePTY is set, which
// backends request when their CLI behaves better attached to a real
// terminal (Copilot's --no-alt-screen mode expects one even though nothing
// downstream interprets the escape sequences it writes).
type ptyHandle interface {
	io.ReadWriteCloser
}
