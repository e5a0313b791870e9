package binding

import (
	"context"
	"os/exec"
)

//go:generate mockgen -destination=mock_runner.go -package=binding github.com/sigreer/nicbind/internal/binding Runner

// Runner runs an external command and returns its combined output.
// The engine only needs it for modprobe.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// Run implements Runner
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
