package planning

import (
	"regexp"
	"strings"
)

// Intent is what an operator message asks for
type Intent string

const (
	IntentApprove Intent = "approve"
	IntentReject  Intent = "reject"
	IntentDefer   Intent = "defer"
	IntentStatus  Intent = "status"
	IntentHelp    Intent = "help"
	IntentUnknown Intent = "unknown"
)

// IsDecision reports whether the intent changes a plan
func (i Intent) IsDecision() bool {
	switch i {
	case IntentApprove, IntentReject, IntentDefer:
		return true
	}
	return false
}

// Classification is the parsed form of an operator message
type Classification struct {
	Intent Intent
	// PlanRef is the plan id or prefix named in the message; empty means
	// the most recent pending plan
	PlanRef string
	// Note is any text after the plan reference (e.g. a rejection reason)
	Note string
}

// IntentClassifier turns free text into an intent. Implementations must not
// depend on the transport the text arrived on.
type IntentClassifier interface {
	Classify(text string) Classification
}

// KeywordClassifier matches the first word of a message against a fixed
// vocabulary.
type KeywordClassifier struct{}

var keywords = map[string]Intent{
	"approve": IntentApprove,
	"yes":     IntentApprove,
	"ok":      IntentApprove,
	"execute": IntentApprove,
	"run":     IntentApprove,

	"reject": IntentReject,
	"no":     IntentReject,
	"deny":   IntentReject,
	"cancel": IntentReject,
	"skip":   IntentReject,

	"defer":  IntentDefer,
	"later":  IntentDefer,
	"snooze": IntentDefer,
	"wait":   IntentDefer,

	"status":  IntentStatus,
	"pending": IntentStatus,
	"list":    IntentStatus,
	"plans":   IntentStatus,
	"?":       IntentStatus,

	"help":     IntentHelp,
	"commands": IntentHelp,
}

// Plan ids are UUIDs; operators type a prefix of at least four characters
var planRefPattern = regexp.MustCompile(`^[0-9a-f][0-9a-f-]{3,35}$`)

// Classify implements IntentClassifier
func (KeywordClassifier) Classify(text string) Classification {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Classification{Intent: IntentUnknown}
	}

	word := strings.ToLower(fields[0])
	if word != "?" {
		word = strings.Trim(word, ".,!?:;/")
	}
	intent, ok := keywords[word]
	if !ok {
		return Classification{Intent: IntentUnknown}
	}

	c := Classification{Intent: intent}
	if !intent.IsDecision() || len(fields) < 2 {
		return c
	}

	rest := fields[1:]
	if ref := strings.ToLower(strings.Trim(rest[0], ".,!?:;")); planRefPattern.MatchString(ref) {
		c.PlanRef = ref
		rest = rest[1:]
	}
	c.Note = strings.Join(rest, " ")
	return c
}
