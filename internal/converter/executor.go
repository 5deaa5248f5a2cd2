package converter

import (
	"context"
	"os/exec"
	"time"
)

// processWaitDelay bounds how long RunCombined waits for output pipes held by
// forked children once the command has exited or been cancelled.
const processWaitDelay = 2 * time.Second

// CommandExecutor runs external commands. Tests substitute a fake.
type CommandExecutor interface {
	// RunCombined executes a command and returns its combined standard output
	// and standard error.
	RunCombined(ctx context.Context, name string, args ...string) ([]byte, error)
}

type defaultExecutor struct{}

// RunCombined starts the command in its own process group. LibreOffice's
// launcher forks the real converter, so cancelling ctx kills the whole group.
func (defaultExecutor) RunCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	killGroupOnCancel(cmd)
	cmd.WaitDelay = processWaitDelay
	return cmd.CombinedOutput()
}
