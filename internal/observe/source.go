// Package observe produces infrastructure snapshots for the scheduler.
//
// Collection itself is out of scope for the agent; a Source wraps whatever
// already knows the state of the infrastructure (a script, a file written
// by another monitor, the docker CLI) and hands back a types.Snapshot.
package observe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/planfirst/sreagent/internal/types"
)

// Source produces one snapshot per call
type Source interface {
	Name() string
	Collect(ctx context.Context) (*types.Snapshot, error)
}

// Multi merges several sources into one snapshot
type Multi struct {
	sources []Source
	log     *slog.Logger
	now     func() time.Time
}

// NewMulti combines sources. A nil logger uses slog.Default().
func NewMulti(log *slog.Logger, sources ...Source) *Multi {
	if log == nil {
		log = slog.Default()
	}
	return &Multi{sources: sources, log: log, now: time.Now}
}

// Name implements Source
func (m *Multi) Name() string {
	return "multi"
}

// Collect implements Source. A failing source does not fail the snapshot;
// it is reported as a collector_error issue so the failure itself is
// visible to the evaluator.
func (m *Multi) Collect(ctx context.Context) (*types.Snapshot, error) {
	snap := &types.Snapshot{
		CollectedAt: m.now().UTC(),
		Source:      m.Name(),
		Metrics:     make(map[string]any),
	}
	if host, err := os.Hostname(); err == nil {
		snap.Metrics["hostname"] = host
	}

	for _, src := range m.sources {
		part, err := src.Collect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.log.Error("snapshot source failed", "source", src.Name(), "error", err)
			snap.Issues = append(snap.Issues, types.Issue{
				Source:   src.Name(),
				Type:     "collector_error",
				Severity: string(types.SeverityInfo),
				Name:     src.Name(),
				Message:  err.Error(),
			})
			continue
		}
		for _, issue := range part.Issues {
			if issue.Source == "" {
				issue.Source = src.Name()
			}
			snap.Issues = append(snap.Issues, issue)
		}
		if len(part.Metrics) > 0 {
			snap.Metrics[src.Name()] = part.Metrics
		}
	}
	return snap, nil
}

// FileSource reads a JSON snapshot written by another process
type FileSource struct {
	Path string
}

// Name implements Source
func (f *FileSource) Name() string {
	return "file"
}

// Collect implements Source
func (f *FileSource) Collect(ctx context.Context) (*types.Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decodeSnapshot(data, f.Path)
}

// CommandSource runs a command that prints a JSON snapshot on stdout
type CommandSource struct {
	Command []string
	// Timeout bounds one run
	// Default: 30 seconds
	Timeout time.Duration
}

// Name implements Source
func (c *CommandSource) Name() string {
	return "command"
}

// Collect implements Source
func (c *CommandSource) Collect(ctx context.Context) (*types.Snapshot, error) {
	if len(c.Command) == 0 {
		return nil, fmt.Errorf("command source has no command")
	}
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(c.Timeout))
	defer cancel()

	out, err := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s failed: %w: %s", c.Command[0], err, truncate(string(exitErr.Stderr), 500))
		}
		return nil, fmt.Errorf("%s failed: %w", c.Command[0], err)
	}
	return decodeSnapshot(out, c.Command[0])
}

func decodeSnapshot(data []byte, origin string) (*types.Snapshot, error) {
	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot from %s: %w", origin, err)
	}
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = time.Now().UTC()
	}
	return &snap, nil
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

func truncate(s string, max int) string {
	return types.Truncate(s, max)
}
