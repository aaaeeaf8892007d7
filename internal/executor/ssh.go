package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/planfirst/sreagent/internal/types"
)

// SSHConfig configures the ssh step executor
type SSHConfig struct {
	// User when the target has no user@ part
	User string
	// Port when the target has no :port part
	// Default: 22
	Port int
	// KeyFile is the private key used for authentication
	// Default: ~/.ssh/id_ed25519
	KeyFile string
	// KnownHostsFile verifies host keys; unknown hosts are refused
	// Default: ~/.ssh/known_hosts
	KnownHostsFile string

	MaxOutputChars int
	MaxStderrChars int
}

// SSHExecutor runs the step payload on the host named by the step target
type SSHExecutor struct {
	cfg SSHConfig
}

// NewSSHExecutor creates an ssh executor, filling defaults from the
// current user's ~/.ssh directory.
func NewSSHExecutor(cfg SSHConfig) *SSHExecutor {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	home, _ := os.UserHomeDir()
	if cfg.KeyFile == "" && home != "" {
		cfg.KeyFile = filepath.Join(home, ".ssh", "id_ed25519")
	}
	if cfg.KnownHostsFile == "" && home != "" {
		cfg.KnownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	return &SSHExecutor{cfg: cfg}
}

// Run implements StepExecutor
func (s *SSHExecutor) Run(ctx context.Context, step types.Step) StepResult {
	start := time.Now()
	fail := func(err error) StepResult {
		return StepResult{Err: err, Duration: time.Since(start)}
	}

	if strings.TrimSpace(step.Payload) == "" {
		return fail(errors.New("ssh step has no command"))
	}
	user, addr, err := parseSSHTarget(step.Target, s.cfg.User, s.cfg.Port)
	if err != nil {
		return fail(err)
	}
	clientCfg, err := s.clientConfig(user)
	if err != nil {
		return fail(err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(commandError(ctx, fmt.Errorf("failed to connect to %s: %w", addr, err), ""))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return fail(commandError(ctx, fmt.Errorf("ssh handshake with %s failed: %w", addr, err), ""))
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fail(fmt.Errorf("failed to open ssh session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(step.Payload) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		client.Close()
		<-done
		err = ctx.Err()
	}

	res := StepResult{
		Output:   truncateOutput(stdout.String(), s.cfg.MaxOutputChars),
		Stderr:   truncateOutput(stderr.String(), s.cfg.MaxStderrChars),
		Duration: time.Since(start),
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
	}
	if err != nil {
		res.Err = commandError(ctx, err, res.Stderr)
	}
	return res
}

func (s *SSHExecutor) clientConfig(user string) (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(s.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key %s: %w", s.cfg.KeyFile, err)
	}
	hostKeys, err := knownhosts.New(s.cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         10 * time.Second,
	}, nil
}

// parseSSHTarget splits [user@]host[:port]
func parseSSHTarget(target, defaultUser string, defaultPort int) (user, addr string, err error) {
	target = strings.TrimSpace(target)
	user = defaultUser
	if i := strings.LastIndex(target, "@"); i >= 0 {
		user, target = target[:i], target[i+1:]
	}
	host, port := target, strconv.Itoa(defaultPort)
	if h, p, splitErr := net.SplitHostPort(target); splitErr == nil {
		host, port = h, p
	}
	if host == "" {
		return "", "", fmt.Errorf("ssh target %q has no host", target)
	}
	if user == "" {
		return "", "", fmt.Errorf("ssh target %q has no user", target)
	}
	return user, net.JoinHostPort(host, port), nil
}
