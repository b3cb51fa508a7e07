package compiler

import (
	"context"
	"os"
	"os/exec"
	"time"

	"helix/internal/logging"
)

// run executes a toolchain command and returns its combined output.
func run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	// Child processes of a killed toolchain may keep the output pipe open.
	cmd.WaitDelay = 5 * time.Second

	logging.CompilerDebug("exec %s %v (dir=%s)", name, args, dir)
	return cmd.CombinedOutput()
}
