package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/planfirst/sreagent/internal/types"
)

// Policy refuses steps that touch protected targets or match a destructive
// command pattern. It is checked for every step immediately before it runs.
type Policy struct {
	protected []protectedTarget
	dangerous []*regexp.Regexp
}

type protectedTarget struct {
	name string
	re   *regexp.Regexp
}

// Verbs that take a protected target out of service
var disruptiveVerbs = regexp.MustCompile(`\b(restart|stop|kill|rm|down|pause)\b`)

// NewPolicy compiles the protected target list and dangerous patterns
func NewPolicy(neverRestart, dangerousPatterns []string) (*Policy, error) {
	p := &Policy{}
	for _, name := range neverRestart {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p.protected = append(p.protected, protectedTarget{
			name: name,
			re:   regexp.MustCompile(`(^|[^\w.-])` + regexp.QuoteMeta(name) + `([^\w.-]|$)`),
		})
	}
	for _, pattern := range dangerousPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid dangerous pattern %q: %w", pattern, err)
		}
		p.dangerous = append(p.dangerous, re)
	}
	return p, nil
}

// Check returns a reason the step must not run, or "" when it is allowed.
func (p *Policy) Check(step types.Step) string {
	if p == nil {
		return ""
	}
	for _, re := range p.dangerous {
		if re.MatchString(step.Payload) || re.MatchString(step.Target) {
			return fmt.Sprintf("dangerous command pattern detected: %s", re.String())
		}
	}
	for _, t := range p.protected {
		if step.Target == t.name && disruptiveVerbs.MatchString(step.Payload) {
			return fmt.Sprintf("step targets protected target: %s", t.name)
		}
		if t.re.MatchString(step.Payload) && disruptiveVerbs.MatchString(step.Payload) {
			return fmt.Sprintf("command targets protected target: %s", t.name)
		}
	}
	return ""
}
