package exec

import (
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

const (
	defaultRows = 40
	defaultCols = 200
)

// startPTY starts cmd with its stdio attached to a new pseudo-terminal and
// returns the controlling side.
func startPTY(cmd *exec.Cmd, rows, cols uint16, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}
	_ = pty.Setsize(ptyFile, &pty.Winsize{Rows: rows, Cols: cols})

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	cmd.SysProcAttr.Ctty = 0 // child's stdin

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

func isCttyError(err error) bool {
	return strings.Contains(err.Error(), "Setctty set but Ctty not valid")
}
