package host

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ScriptRunner executes a George script and returns its textual output.
type ScriptRunner interface {
	Run(ctx context.Context, script string) (string, error)
}

// EchoRunner returns each script unchanged. It stands in for a real host
// when no script command is configured.
type EchoRunner struct{}

func (EchoRunner) Run(_ context.Context, script string) (string, error) {
	return script, nil
}

// CommandRunner runs Command with the script appended as the last argument
// and returns its trimmed stdout.
type CommandRunner struct {
	Command []string
}

func (r CommandRunner) Run(ctx context.Context, script string) (string, error) {
	if len(r.Command) == 0 {
		return "", fmt.Errorf("no script command configured")
	}
	args := append(append([]string{}, r.Command[1:]...), script)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", r.Command[0], err, msg)
		}
		return "", fmt.Errorf("%s: %w", r.Command[0], err)
	}
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

// NewScriptRunner picks a CommandRunner when command is set, EchoRunner
// otherwise.
func NewScriptRunner(command []string) ScriptRunner {
	if len(command) == 0 {
		return EchoRunner{}
	}
	return CommandRunner{Command: command}
}
