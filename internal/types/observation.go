package types

import (
	"fmt"
	"strings"
	"time"
)

// Snapshot is one observation of infrastructure state as produced by a
// collector. Only Issues drive remediation; Metrics are carried into the
// generation context verbatim.
type Snapshot struct {
	CollectedAt time.Time      `json:"collected_at"`
	Source      string         `json:"source,omitempty"`
	Issues      []Issue        `json:"issues"`
	Metrics     map[string]any `json:"metrics,omitempty"`
}

// Issue is a single detected anomaly inside a snapshot.
type Issue struct {
	Source    string `json:"source"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Message   string `json:"message,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Identifier candidates, first non-empty wins.
	Container string `json:"container,omitempty"`
	Mount     string `json:"mount,omitempty"`
	Service   string `json:"service,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Path      string `json:"path,omitempty"`
	Name      string `json:"name,omitempty"`

	Details map[string]any `json:"details,omitempty"`
}

// Identifier returns the first non-empty identifier field, or "unknown".
func (i Issue) Identifier() string {
	for _, v := range []string{i.Container, i.Mount, i.Service, i.Unit, i.Path, i.Name} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return "unknown"
}

// Fingerprint returns the canonical signature of the issue. An explicit
// Signature wins over the derived {source}:{type}:{identifier} form.
func (i Issue) Fingerprint() string {
	if strings.TrimSpace(i.Signature) != "" {
		return NormalizeSignature(i.Signature)
	}
	source := orUnknown(i.Source)
	issueType := orUnknown(i.Type)
	id := strings.NewReplacer(":", "_", "/", "_").Replace(i.Identifier())
	return NormalizeSignature(fmt.Sprintf("%s:%s:%s", source, issueType, id))
}

// NormalizeSignature lower-cases and trims a signature and collapses inner
// whitespace runs to a single underscore. Matching is exact on the result.
func NormalizeSignature(sig string) string {
	return strings.Join(strings.Fields(strings.ToLower(sig)), "_")
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
