package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/planfirst/sreagent/internal/types"
)

// HTTPExecutor POSTs the step payload to the webhook URL in the step
// target. It drives device-control endpoints such as smart plugs.
type HTTPExecutor struct {
	client         *http.Client
	allowedHosts   map[string]bool
	maxOutputChars int
}

// NewHTTPExecutor creates a webhook executor. An empty allowedHosts admits
// any host.
func NewHTTPExecutor(allowedHosts []string, maxOutput int) *HTTPExecutor {
	h := &HTTPExecutor{
		client:         &http.Client{},
		allowedHosts:   make(map[string]bool),
		maxOutputChars: maxOutput,
	}
	for _, host := range allowedHosts {
		h.allowedHosts[strings.ToLower(strings.TrimSpace(host))] = true
	}
	return h
}

// Run implements StepExecutor
func (h *HTTPExecutor) Run(ctx context.Context, step types.Step) StepResult {
	start := time.Now()
	fail := func(err error) StepResult {
		return StepResult{Err: err, Duration: time.Since(start)}
	}

	u, err := url.Parse(strings.TrimSpace(step.Target))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fail(fmt.Errorf("http step target %q is not an http(s) URL", step.Target))
	}
	if len(h.allowedHosts) > 0 && !h.allowedHosts[strings.ToLower(u.Hostname())] {
		return fail(fmt.Errorf("host %s is not in the allowed webhook hosts", u.Hostname()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(step.Payload))
	if err != nil {
		return fail(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sreagent")

	resp, err := h.client.Do(req)
	if err != nil {
		return fail(commandError(ctx, err, ""))
	}
	defer resp.Body.Close()

	limit := int64(h.maxOutputChars)
	if limit <= 0 {
		limit = 1 << 20
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, limit+1))

	res := StepResult{
		Output:   truncateOutput(string(body), h.maxOutputChars),
		ExitCode: resp.StatusCode,
		Duration: time.Since(start),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Err = fmt.Errorf("webhook returned %s", resp.Status)
	}
	return res
}
