package engine

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/aidss/lisbridge/api/registry"
	"github.com/aidss/lisbridge/config"
	"github.com/pkg/errors"
)

// Invocation is one engine process run.
type Invocation struct {
	Kind    registry.EngineKind
	Step    string
	Program string
	Args    []string
	Dir     string
	Env     []string
	// Key is unique per job, step and attempt.
	Key string
}

func (i Invocation) String() string {
	return i.Program + " " + strings.Join(i.Args, " ")
}

// Executor runs engine invocations and classifies their failures.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) error
}

// transientMarkers are engine messages that indicate exhausted resources.
var transientMarkers = []string{
	"out of memory",
	"resource exhausted",
	"cuda error",
	"cudnn_status_alloc_failed",
	"cannot allocate memory",
}

func isTransientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// CommandExecutor runs engines as local processes.
type CommandExecutor struct {
	config.Config
	transientCodes map[int]bool
}

// NewCommandExecutor creates a local process executor.
func NewCommandExecutor(cfg *config.Config) *CommandExecutor {
	codes := map[int]bool{}
	for _, c := range cfg.Environment.TransientExitCodes {
		codes[c] = true
	}
	return &CommandExecutor{Config: *cfg, transientCodes: codes}
}

const stderrTail = 4096

// Execute runs the invocation and waits for it to exit.
func (c *CommandExecutor) Execute(ctx context.Context, inv Invocation) error {
	cmd := exec.CommandContext(ctx, inv.Program, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.Logger.Infof("Running %s step %s: %s", inv.Kind, inv.Step, inv)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	output := stderr.String()
	if len(output) > stderrTail {
		output = output[len(output)-stderrTail:]
	}
	output = strings.TrimSpace(output)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return &ExecutionError{
			Kind:      inv.Kind,
			Transient: c.transientCodes[code] || isTransientMessage(output),
			Err:       errors.Errorf("%s exited with code %d: %s", inv.Step, code, output),
		}
	}
	// the program could not be started at all
	return &ExecutionError{Kind: inv.Kind, Err: errors.Wrapf(err, "failed to start %s", inv.Program)}
}

func deviceEnv(device int) []string {
	if device < 0 {
		return nil
	}
	return []string{"CUDA_VISIBLE_DEVICES=" + strconv.Itoa(device)}
}
