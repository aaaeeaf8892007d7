package planning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/planfirst/sreagent/internal/executor"
	"github.com/planfirst/sreagent/internal/storage"
	"github.com/planfirst/sreagent/internal/types"
)

// ErrUnauthorized is returned for messages from senders outside the allow-list
var ErrUnauthorized = errors.New("sender not authorized")

// Message is one inbound operator message
type Message struct {
	Text      string
	Sender    string
	Timestamp time.Time
	// Reply sends text back on the channel the message arrived on
	Reply func(ctx context.Context, text string) error
}

// Executor runs approved plans
type Executor interface {
	Execute(ctx context.Context, planID string) (*types.Plan, error)
}

// HandlerConfig configures message handling
type HandlerConfig struct {
	// AllowedSenders may issue commands; "*" admits anyone
	AllowedSenders []string

	// StatusLimit caps the pending list in status replies
	// Default: 5
	StatusLimit int

	Logger *slog.Logger
}

// Handler turns operator messages into decisions and replies
type Handler struct {
	approver   *Approver
	classifier IntentClassifier
	executor   Executor
	store      Store
	allowed    map[string]bool
	allowAll   bool
	limit      int
	log        *slog.Logger
}

// NewHandler creates a message handler. exec may be nil, in which case
// approved plans are left for the scheduler to run.
func NewHandler(cfg HandlerConfig, approver *Approver, classifier IntentClassifier, exec Executor, store Store) *Handler {
	if classifier == nil {
		classifier = KeywordClassifier{}
	}
	if cfg.StatusLimit <= 0 {
		cfg.StatusLimit = 5
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		approver:   approver,
		classifier: classifier,
		executor:   exec,
		store:      store,
		allowed:    make(map[string]bool),
		limit:      cfg.StatusLimit,
		log:        log,
	}
	for _, s := range cfg.AllowedSenders {
		if s == "*" {
			h.allowAll = true
		}
		h.allowed[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return h
}

// HandleMessage authorizes, classifies and acts on one message. Decision
// refusals are reported to the sender, not returned.
func (h *Handler) HandleMessage(ctx context.Context, msg Message) error {
	if !h.authorized(msg.Sender) {
		h.log.Warn("ignoring message from unauthorized sender", "sender", msg.Sender)
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg.Sender)
	}

	c := h.classifier.Classify(msg.Text)
	h.log.Debug("operator message classified",
		"sender", msg.Sender,
		"intent", string(c.Intent),
		"plan_ref", c.PlanRef)

	switch c.Intent {
	case IntentStatus:
		return h.reply(ctx, msg, h.statusText(ctx))
	case IntentHelp:
		return h.reply(ctx, msg, HelpText)
	case IntentUnknown:
		return h.reply(ctx, msg, "❓ Unknown command. Reply \"help\" for the list of commands.")
	}

	plan, err := h.approver.DecideWithNote(ctx, c.PlanRef, c.Intent, msg.Sender, c.Note)
	if err != nil {
		var decErr *DecisionError
		if errors.As(err, &decErr) {
			return h.reply(ctx, msg, h.refusalText(ctx, decErr))
		}
		h.log.Error("decision failed", "plan_ref", c.PlanRef, "intent", string(c.Intent), "error", err)
		return h.reply(ctx, msg, fmt.Sprintf("❌ Could not %s plan: %v", c.Intent, err))
	}

	switch c.Intent {
	case IntentReject:
		return h.reply(ctx, msg, fmt.Sprintf("🚫 Plan %s rejected.", ShortID(plan.ID)))
	case IntentDefer:
		return h.reply(ctx, msg, fmt.Sprintf("⏰ Plan %s deferred until %s.",
			ShortID(plan.ID), plan.ExpiresAt.Local().Format("15:04 Jan 2")))
	}

	// Approve of an already-executed plan is idempotent; nothing to run
	if plan.Status != types.StatusApproved {
		return h.reply(ctx, msg, fmt.Sprintf("ℹ️ Plan %s was already approved (status %s).", ShortID(plan.ID), plan.Status))
	}
	if err := h.reply(ctx, msg, fmt.Sprintf("✅ Plan %s approved.\n\nExecuting: %s", ShortID(plan.ID), firstLine(plan.Description))); err != nil {
		return err
	}
	if h.executor == nil {
		return nil
	}
	return h.execute(ctx, msg, plan.ID)
}

func (h *Handler) execute(ctx context.Context, msg Message, planID string) error {
	plan, err := h.executor.Execute(ctx, planID)
	switch {
	case errors.Is(err, executor.ErrRateLimited), errors.Is(err, storage.ErrSignatureExecuting):
		return h.reply(ctx, msg, fmt.Sprintf("⏳ Plan %s is approved but cannot run yet (%v); it will run on a later cycle.", ShortID(planID), err))
	case err != nil:
		h.log.Error("execution failed to start", "plan_id", planID, "error", err)
		return h.reply(ctx, msg, fmt.Sprintf("❌ Plan %s could not be executed: %v", ShortID(planID), err))
	}
	return h.reply(ctx, msg, ResultText(plan))
}

func (h *Handler) authorized(sender string) bool {
	return h.allowAll || h.allowed[strings.ToLower(strings.TrimSpace(sender))]
}

func (h *Handler) reply(ctx context.Context, msg Message, text string) error {
	if msg.Reply == nil {
		return nil
	}
	if err := msg.Reply(ctx, text); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

func (h *Handler) statusText(ctx context.Context) string {
	plans, err := h.store.ListPlans(ctx, types.PlanFilter{
		Statuses: []types.Status{types.StatusPendingApproval},
		Limit:    h.limit,
	})
	if err != nil {
		h.log.Error("failed to list pending plans", "error", err)
		return "❌ Could not load pending plans."
	}
	if len(plans) == 0 {
		return "📭 No pending plans."
	}
	var b strings.Builder
	b.WriteString("📋 Pending plans:\n")
	for _, p := range plans {
		fmt.Fprintf(&b, "• %s [%s] %s\n", ShortID(p.ID), p.Severity, firstLine(p.Description))
	}
	b.WriteString("\nReply: approve <id> or reject <id>")
	return b.String()
}

func (h *Handler) refusalText(ctx context.Context, err *DecisionError) string {
	if err.Kind == KindAlreadyDecided {
		return fmt.Sprintf("⚠️ Plan %s is already %s.", ShortID(err.PlanID), err.Status)
	}
	if err.Ref == "" && err.PlanID == "" {
		return "📭 No pending plans."
	}
	text := "❓ " + capitalize(err.Error()) + "."
	if pending := h.statusText(ctx); strings.HasPrefix(pending, "📋") {
		text += "\n\n" + pending
	}
	return text
}

// HelpText lists the chat commands
const HelpText = `🤖 Commands:
• approve [id] (yes, ok, run): approve a plan and execute it
• reject [id] [reason] (no, deny, skip): reject a plan
• defer [id] (later, snooze): push the approval deadline back
• status (pending, list, ?): show pending plans
• help: this message

Without an id the most recent pending plan is used.`

// ResultText summarizes a finished execution for chat
func ResultText(plan *types.Plan) string {
	switch plan.Status {
	case types.StatusCompleted:
		return fmt.Sprintf("🎉 Plan %s executed successfully (%d steps).", ShortID(plan.ID), len(plan.Steps))
	case types.StatusFailed:
		detail := "unknown error"
		for _, entry := range plan.ExecutionLog {
			if entry.Outcome == types.OutcomeFailed {
				detail = fmt.Sprintf("step %d: %s", entry.StepIndex+1, entry.Detail)
				break
			}
		}
		return fmt.Sprintf("❌ Plan %s execution failed.\n\nError: %s", ShortID(plan.ID), detail)
	}
	return fmt.Sprintf("Plan %s is %s.", ShortID(plan.ID), plan.Status)
}

// ShortID is the id suffix shown to operators. Ids are time-ordered, so
// the tail is the part that differs between plans.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
