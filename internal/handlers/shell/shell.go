package shell

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"taskx/internal/registry"
)

// Name is the task name the CLI registers Run under.
const Name = "shell"

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

type Result struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Exec runs the command and returns its combined output. A non-zero exit is
// an error, so the invocation is pushed back.
func Exec(ctx context.Context, c Cmd) (Result, error) {
	if c.Command == "" {
		return Result{}, fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	res := Result{Output: strings.TrimRight(string(out), "\n"), ExitCode: cmd.ProcessState.ExitCode()}
	if err != nil {
		return res, fmt.Errorf("shell error: %v; out=%s", err, res.Output)
	}
	return res, nil
}

// Run is Exec as a task function.
var Run registry.TaskFunc = registry.Typed(Exec)
