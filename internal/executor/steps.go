package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/planfirst/sreagent/internal/types"
)

// StepResult is the outcome of running one step
type StepResult struct {
	Output   string // stdout or response body, truncated
	Stderr   string // truncated
	ExitCode int
	Duration time.Duration
	// Err is nil on success
	Err error
}

// Succeeded reports whether the step completed without error
func (r StepResult) Succeeded() bool {
	return r.Err == nil
}

// StepExecutor runs one kind of step action. ctx carries the step timeout.
type StepExecutor interface {
	Run(ctx context.Context, step types.Step) StepResult
}

// Registry maps step actions to their executors
type Registry struct {
	mu        sync.RWMutex
	executors map[string]StepExecutor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]StepExecutor)}
}

// Register installs exec for action, replacing any previous one
func (r *Registry) Register(action string, exec StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[strings.ToLower(action)] = exec
}

// Lookup returns the executor for action
func (r *Registry) Lookup(action string) (StepExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[strings.ToLower(action)]
	return exec, ok
}

// Actions lists the registered action names
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions := make([]string, 0, len(r.executors))
	for a := range r.executors {
		actions = append(actions, a)
	}
	return actions
}

// ShellExecutor runs the step payload with bash on the local host
type ShellExecutor struct {
	Shell          string
	MaxOutputChars int
	MaxStderrChars int
}

// NewShellExecutor creates a bash executor with the given output caps
func NewShellExecutor(maxOutput, maxStderr int) *ShellExecutor {
	return &ShellExecutor{Shell: "bash", MaxOutputChars: maxOutput, MaxStderrChars: maxStderr}
}

// Run implements StepExecutor
func (s *ShellExecutor) Run(ctx context.Context, step types.Step) StepResult {
	start := time.Now()
	if strings.TrimSpace(step.Payload) == "" {
		return StepResult{Err: errors.New("shell step has no command")}
	}

	cmd := exec.CommandContext(ctx, s.Shell, "-c", step.Payload)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := StepResult{
		Output:   truncateOutput(stdout.String(), s.MaxOutputChars),
		Stderr:   truncateOutput(stderr.String(), s.MaxStderrChars),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		res.Err = commandError(ctx, err, res.Stderr)
	}
	return res
}

// commandError prefers the timeout over the kill signal it caused
func commandError(ctx context.Context, err error, stderr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	if stderr = strings.TrimSpace(stderr); stderr != "" {
		return fmt.Errorf("%w: %s", err, stderr)
	}
	return err
}

// NoopExecutor succeeds without side effects
type NoopExecutor struct{}

// Run implements StepExecutor
func (NoopExecutor) Run(ctx context.Context, step types.Step) StepResult {
	return StepResult{Output: "no action taken"}
}

// truncateOutput caps s at max characters; max <= 0 disables the cap
func truncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return types.Clip(s, max) + "\n[... output truncated ...]"
}
