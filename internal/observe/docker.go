package observe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/planfirst/sreagent/internal/types"
)

// CommandRunner runs a command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// DockerSource reports unhealthy containers and containers that are down
// despite a restart policy, using the docker CLI.
type DockerSource struct {
	// Timeout bounds the whole collection
	// Default: 30 seconds
	Timeout time.Duration

	run CommandRunner
}

// NewDockerSource creates a docker source. runner may be nil to use the
// docker binary on PATH.
func NewDockerSource(timeout time.Duration, runner CommandRunner) *DockerSource {
	if runner == nil {
		runner = execRunner
	}
	return &DockerSource{Timeout: timeout, run: runner}
}

// Name implements Source
func (d *DockerSource) Name() string {
	return "docker"
}

type container struct {
	Name          string `json:"name"`
	Image         string `json:"image"`
	State         string `json:"state"`
	Status        string `json:"status"`
	Health        string `json:"health"`
	RestartPolicy string `json:"restart_policy,omitempty"`
}

// Collect implements Source
func (d *DockerSource) Collect(ctx context.Context) (*types.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(d.Timeout))
	defer cancel()

	out, err := d.run(ctx, "docker", "ps", "-a", "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("docker ps failed: %w", err)
	}
	containers := parseDockerPS(out)

	snap := &types.Snapshot{CollectedAt: time.Now().UTC(), Source: d.Name()}
	var running, healthy, unhealthy int
	for i := range containers {
		c := &containers[i]
		if c.State == "running" {
			running++
		}
		switch c.Health {
		case "healthy":
			healthy++
		case "unhealthy":
			unhealthy++
			snap.Issues = append(snap.Issues, types.Issue{
				Source:    d.Name(),
				Type:      "container_unhealthy",
				Severity:  string(types.SeverityWarning),
				Container: c.Name,
				Message:   fmt.Sprintf("Container %s is unhealthy", c.Name),
				Details:   map[string]any{"image": c.Image, "status": c.Status},
			})
		}

		if c.State == "running" {
			continue
		}
		policy, err := d.run(ctx, "docker", "inspect", "--format", "{{.HostConfig.RestartPolicy.Name}}", c.Name)
		if err != nil {
			continue
		}
		c.RestartPolicy = strings.TrimSpace(string(policy))
		if c.RestartPolicy == "always" || c.RestartPolicy == "unless-stopped" {
			snap.Issues = append(snap.Issues, types.Issue{
				Source:    d.Name(),
				Type:      "container_stopped",
				Severity:  string(types.SeverityCritical),
				Container: c.Name,
				Message:   fmt.Sprintf("Container %s is stopped but has restart policy %s", c.Name, c.RestartPolicy),
				Details:   map[string]any{"image": c.Image, "status": c.Status},
			})
		}
	}

	snap.Metrics = map[string]any{
		"total":     len(containers),
		"running":   running,
		"stopped":   len(containers) - running,
		"healthy":   healthy,
		"unhealthy": unhealthy,
	}
	return snap, nil
}

// parseDockerPS reads `docker ps --format '{{json .}}'` output, one object
// per line. Lines that are not JSON are skipped.
func parseDockerPS(out []byte) []container {
	var containers []container
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row struct {
			Names  string
			Image  string
			State  string
			Status string
		}
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		containers = append(containers, container{
			Name:   row.Names,
			Image:  row.Image,
			State:  row.State,
			Status: row.Status,
			Health: healthFromStatus(row.Status),
		})
	}
	return containers
}

func healthFromStatus(status string) string {
	switch {
	case strings.Contains(status, "(healthy)"):
		return "healthy"
	case strings.Contains(status, "(unhealthy)"):
		return "unhealthy"
	case strings.Contains(status, "(health:"):
		return "starting"
	}
	return "none"
}
