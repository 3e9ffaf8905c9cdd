package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultExecTimeout = 30 * time.Second
	maxExecOutput      = 64 * 1024
)

func runExecCommand(ctx context.Context, input execCommandInput) (string, error) {
	if strings.TrimSpace(input.Command) == "" {
		return "", errors.New("command is required")
	}

	timeout := defaultExecTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", input.Command)
	output, err := cmd.CombinedOutput()

	text := string(output)
	if len(text) > maxExecOutput {
		text = text[:maxExecOutput] + "\n... (output truncated)"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is still a result the model can read.
			return fmt.Sprintf("%s\n(exit status %d)", text, exitErr.ExitCode()), nil
		}
		return "", err
	}
	return text, nil
}
