// Package gateway connects the agent to the chat channels operators decide
// on plans from.
//
// A Messenger only moves text. What a message means is decided by
// planning.Handler, so every transport gets the same command vocabulary and
// authorization rules.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/planfirst/sreagent/internal/planning"
	"github.com/planfirst/sreagent/internal/types"
)

// HandlerFunc processes one inbound operator message
type HandlerFunc func(ctx context.Context, msg planning.Message) error

// Messenger is a chat transport
type Messenger interface {
	Name() string
	// Send posts text to the operator channel
	Send(ctx context.Context, text string) error
	// Listen delivers inbound messages to handle until ctx is done
	Listen(ctx context.Context, handle HandlerFunc) error
}

// Notifier fans messages out to every configured messenger
type Notifier struct {
	messengers []Messenger
	log        *slog.Logger
}

// NewNotifier creates a notifier. A nil logger uses slog.Default().
func NewNotifier(log *slog.Logger, messengers ...Messenger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{messengers: messengers, log: log}
}

// Messengers returns the configured transports
func (n *Notifier) Messengers() []Messenger {
	return n.messengers
}

// Broadcast sends text to every messenger. A failing messenger does not stop
// delivery to the others; the failures are joined into the returned error.
func (n *Notifier) Broadcast(ctx context.Context, text string) error {
	var errs []error
	for _, m := range n.messengers {
		if err := m.Send(ctx, text); err != nil {
			n.log.Error("failed to send notification", "messenger", m.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// NotifyPending announces a plan that is waiting for a decision
func (n *Notifier) NotifyPending(ctx context.Context, plan *types.Plan) error {
	return n.Broadcast(ctx, PlanSummary(plan))
}

// NotifyResult reports the outcome of an execution
func (n *Notifier) NotifyResult(ctx context.Context, plan *types.Plan) error {
	return n.Broadcast(ctx, planning.ResultText(plan))
}

// ListenAll runs every messenger's Listen until ctx is done or one of them
// fails.
func (n *Notifier) ListenAll(ctx context.Context, handle HandlerFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range n.messengers {
		m := m
		g.Go(func() error {
			if err := m.Listen(ctx, handle); err != nil && ctx.Err() == nil {
				return fmt.Errorf("%s listener: %w", m.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

var severityIcon = map[types.Severity]string{
	types.SeverityCritical: "🔴",
	types.SeverityWarning:  "🟠",
	types.SeverityInfo:     "🔵",
}

// PlanSummary renders a pending plan for chat
func PlanSummary(plan *types.Plan) string {
	short := planning.ShortID(plan.ID)
	var b strings.Builder
	fmt.Fprintf(&b, "%s Remediation plan %s [%s]\n", severityIcon[plan.Severity], short, plan.Severity)
	fmt.Fprintf(&b, "Signature: %s\n\n", plan.Signature)
	if plan.Description != "" {
		b.WriteString(plan.Description)
		b.WriteString("\n\n")
	}
	b.WriteString("Steps:\n")
	for i, step := range plan.Steps {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, step.Action, step.Target)
		if step.Payload != "" {
			fmt.Fprintf(&b, ": %s", step.Payload)
		}
		fmt.Fprintf(&b, "\n   Why: %s\n", step.Rationale)
	}
	if plan.ExpiresAt != nil {
		fmt.Fprintf(&b, "\nExpires: %s\n", plan.ExpiresAt.Local().Format("15:04 Jan 2"))
	}
	fmt.Fprintf(&b, "\nReply: approve %s or reject %s", short, short)
	return b.String()
}
