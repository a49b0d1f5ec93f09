// File: internal/adb/shell.go
package adb

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/alwayslone/open-phone-agent/internal/config"
)

// Result is the outcome of one privileged shell invocation.
type Result struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
}

// Channel executes privileged device commands. Implementations are
// synchronous from the caller's view but are expected to be invoked off the
// coordination goroutine.
type Channel interface {
	// Execute runs a shell command on the device and captures its output.
	// The error is non-nil only for channel-level failures (the adb
	// process could not run at all); a command that runs and exits
	// non-zero is reported through Result.
	Execute(ctx context.Context, cmd string) (Result, error)

	// ExecuteSilent runs a command fire-and-forget style, reporting only
	// whether it exited cleanly.
	ExecuteSilent(ctx context.Context, cmd string) bool

	// ExecuteRaw runs a command and returns raw stdout bytes, used for
	// binary payloads such as screenshots.
	ExecuteRaw(ctx context.Context, args ...string) ([]byte, error)
}

// ExecShell is the adb-backed Channel implementation.
type ExecShell struct {
	logger *zap.Logger
	cfg    config.ADBConfig
}

var _ Channel = (*ExecShell)(nil)

// NewExecShell builds a Channel that shells out to the configured adb
// binary.
func NewExecShell(logger *zap.Logger, cfg config.ADBConfig) *ExecShell {
	if cfg.Binary == "" {
		cfg.Binary = "adb"
	}
	return &ExecShell{logger: logger.Named("adb"), cfg: cfg}
}

func (s *ExecShell) baseArgs() []string {
	if s.cfg.Serial != "" {
		return []string{"-s", s.cfg.Serial}
	}
	return nil
}

func (s *ExecShell) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CommandTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.CommandTimeout)
	}
	return context.WithCancel(ctx)
}

// Execute implements Channel.
func (s *ExecShell) Execute(ctx context.Context, cmd string) (Result, error) {
	runCtx, cancel := s.commandContext(ctx)
	defer cancel()

	args := append(s.baseArgs(), "shell", cmd)
	proc := exec.CommandContext(runCtx, s.cfg.Binary, args...)

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			s.logger.Debug("Shell command exited non-zero",
				zap.String("cmd", cmd),
				zap.Int("exit_code", result.ExitCode),
				zap.String("stderr", strings.TrimSpace(result.Stderr)))
			return result, nil
		}
		return result, err
	}

	result.Success = true
	return result, nil
}

// ExecuteSilent implements Channel.
func (s *ExecShell) ExecuteSilent(ctx context.Context, cmd string) bool {
	runCtx, cancel := s.commandContext(ctx)
	defer cancel()

	args := append(s.baseArgs(), "shell", cmd)
	if err := exec.CommandContext(runCtx, s.cfg.Binary, args...).Run(); err != nil {
		s.logger.Debug("Silent shell command failed", zap.String("cmd", cmd), zap.Error(err))
		return false
	}
	return true
}

// ExecuteRaw implements Channel. Output is taken from adb exec-out so that
// binary data survives untouched by the pty layer.
func (s *ExecShell) ExecuteRaw(ctx context.Context, args ...string) ([]byte, error) {
	runCtx, cancel := s.commandContext(ctx)
	defer cancel()

	full := append(s.baseArgs(), append([]string{"exec-out"}, args...)...)
	out, err := exec.CommandContext(runCtx, s.cfg.Binary, full...).Output()
	if err != nil {
		return nil, err
	}
	return out, nil
}
