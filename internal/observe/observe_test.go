package observe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planfirst/sreagent/internal/types"
)

const snapshotJSON = `{
  "collected_at": "2026-05-01T10:00:00Z",
  "issues": [
    {"source": "system", "type": "disk_space_low", "severity": "warning", "mount": "/data", "message": "Disk /data is 91% full"}
  ],
  "metrics": {"disk": {"/data": 91}}
}`

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(snapshotJSON), 0644))

	snap, err := (&FileSource{Path: path}).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Issues, 1)
	assert.Equal(t, "system:disk_space_low:_data", snap.Issues[0].Fingerprint())
	assert.Equal(t, 2026, snap.CollectedAt.Year())

	_, err = (&FileSource{Path: filepath.Join(t.TempDir(), "missing.json")}).Collect(context.Background())
	assert.ErrorContains(t, err, "failed to read snapshot")
}

func TestCommandSource(t *testing.T) {
	src := &CommandSource{Command: []string{"sh", "-c", "cat <<'JSON'\n" + snapshotJSON + "\nJSON"}}
	snap, err := src.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Issues, 1)
	assert.Equal(t, "/data", snap.Issues[0].Mount)

	_, err = (&CommandSource{Command: []string{"sh", "-c", "echo nope >&2; exit 2"}}).Collect(context.Background())
	assert.ErrorContains(t, err, "nope")

	_, err = (&CommandSource{Command: []string{"echo", "not json"}}).Collect(context.Background())
	assert.ErrorContains(t, err, "invalid snapshot")
}

const dockerPS = `{"ID":"a1","Image":"nginx:1.27","Names":"web","State":"running","Status":"Up 3 hours (unhealthy)"}
{"ID":"b2","Image":"postgres:16","Names":"db","State":"running","Status":"Up 3 hours (healthy)"}
{"ID":"c3","Image":"grafana/grafana","Names":"grafana","State":"exited","Status":"Exited (1) 10 minutes ago"}
{"ID":"d4","Image":"busybox","Names":"oneshot","State":"exited","Status":"Exited (0) 2 days ago"}
garbage line
`

func fakeDocker(t *testing.T) CommandRunner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		require.Equal(t, "docker", name)
		switch args[0] {
		case "ps":
			return []byte(dockerPS), nil
		case "inspect":
			switch args[len(args)-1] {
			case "grafana":
				return []byte("unless-stopped\n"), nil
			case "oneshot":
				return []byte("no\n"), nil
			}
		}
		return nil, errors.New("unexpected docker call: " + strings.Join(args, " "))
	}
}

func TestDockerSource(t *testing.T) {
	src := NewDockerSource(0, fakeDocker(t))
	snap, err := src.Collect(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Issues, 2)
	assert.Equal(t, "docker:container_unhealthy:web", snap.Issues[0].Fingerprint())
	assert.Equal(t, "warning", snap.Issues[0].Severity)
	assert.Equal(t, "docker:container_stopped:grafana", snap.Issues[1].Fingerprint())
	assert.Equal(t, "critical", snap.Issues[1].Severity)

	assert.Equal(t, 4, snap.Metrics["total"])
	assert.Equal(t, 2, snap.Metrics["running"])
	assert.Equal(t, 1, snap.Metrics["unhealthy"])
}

func TestDockerSourceCLIFailure(t *testing.T) {
	src := NewDockerSource(0, func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("Cannot connect to the Docker daemon")
	})
	_, err := src.Collect(context.Background())
	assert.ErrorContains(t, err, "docker ps failed")
}

func TestHealthFromStatus(t *testing.T) {
	assert.Equal(t, "healthy", healthFromStatus("Up 2 minutes (healthy)"))
	assert.Equal(t, "unhealthy", healthFromStatus("Up 2 minutes (unhealthy)"))
	assert.Equal(t, "starting", healthFromStatus("Up 5 seconds (health: starting)"))
	assert.Equal(t, "none", healthFromStatus("Up 2 minutes"))
}

type staticSource struct {
	name string
	snap *types.Snapshot
	err  error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Collect(context.Context) (*types.Snapshot, error) {
	return s.snap, s.err
}

func TestMultiMergesAndReportsFailures(t *testing.T) {
	m := NewMulti(nil,
		staticSource{name: "system", snap: &types.Snapshot{
			Issues:  []types.Issue{{Type: "memory_high", Severity: "warning", Name: "host"}},
			Metrics: map[string]any{"memory": 93},
		}},
		staticSource{name: "docker", err: errors.New("docker ps failed")},
	)

	snap, err := m.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Issues, 2)
	assert.Equal(t, "system", snap.Issues[0].Source, "source name fills an empty issue source")
	assert.Equal(t, "docker:collector_error:docker", snap.Issues[1].Fingerprint())
	assert.Equal(t, map[string]any{"memory": 93}, snap.Metrics["system"])
}
