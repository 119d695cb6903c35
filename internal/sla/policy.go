// Package sla holds the static priority to deadline mapping.
package sla

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spec-kit/ticket-routing/internal/domain"
)

// Policy is the pair of windows for one priority.
type Policy struct {
	Response   time.Duration
	Resolution time.Duration
}

// Table maps priority to policy. It is not mutated after construction.
type Table struct {
	policies map[domain.TicketPriority]Policy
}

// DefaultTable returns the built-in windows.
func DefaultTable() *Table {
	return &Table{policies: map[domain.TicketPriority]Policy{
		domain.TicketPriorityCritical: {Response: 15 * time.Minute, Resolution: 2 * time.Hour},
		domain.TicketPriorityHigh:     {Response: time.Hour, Resolution: 8 * time.Hour},
		domain.TicketPriorityMedium:   {Response: 4 * time.Hour, Resolution: 24 * time.Hour},
		domain.TicketPriorityLow:      {Response: 8 * time.Hour, Resolution: 72 * time.Hour},
	}}
}

// NewTable validates and copies policies. Every priority must be present.
func NewTable(policies map[domain.TicketPriority]Policy) (*Table, error) {
	copied := make(map[domain.TicketPriority]Policy, len(policies))
	for _, p := range domain.Priorities {
		policy, ok := policies[p]
		if !ok {
			return nil, fmt.Errorf("sla: missing policy for %s", p)
		}
		if policy.Response <= 0 || policy.Resolution <= 0 {
			return nil, fmt.Errorf("sla: %s windows must be positive", p)
		}
		if policy.Resolution < policy.Response {
			return nil, fmt.Errorf("sla: %s resolution window shorter than response window", p)
		}
		copied[p] = policy
	}
	return &Table{policies: copied}, nil
}

// Lookup returns the policy for priority. Unknown priorities get the
// medium policy.
func (t *Table) Lookup(priority domain.TicketPriority) Policy {
	if policy, ok := t.policies[priority]; ok {
		return policy
	}
	return t.policies[domain.TicketPriorityMedium]
}

// Deadlines returns the response and resolution deadlines for a ticket
// created at createdAt.
func (t *Table) Deadlines(priority domain.TicketPriority, createdAt time.Time) (response, resolution time.Time) {
	policy := t.Lookup(priority)
	return createdAt.Add(policy.Response), createdAt.Add(policy.Resolution)
}

type filePolicy struct {
	Response   string `yaml:"response"`
	Resolution string `yaml:"resolution"`
}

type fileLayout struct {
	Policies map[string]filePolicy `yaml:"policies"`
}

// Load reads a YAML policy file. An empty path yields DefaultTable.
//
//	policies:
//	  critical: {response: 15m, resolution: 2h}
func Load(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sla policy file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML policy document. Priorities missing from the
// document keep their default windows.
func Parse(raw []byte) (*Table, error) {
	var layout fileLayout
	if err := yaml.Unmarshal(raw, &layout); err != nil {
		return nil, fmt.Errorf("decode sla policy: %w", err)
	}

	policies := make(map[domain.TicketPriority]Policy, len(domain.Priorities))
	for k, v := range DefaultTable().policies {
		policies[k] = v
	}
	for name, fp := range layout.Policies {
		priority := domain.TicketPriority(strings.ToUpper(strings.TrimSpace(name)))
		if !priority.Valid() {
			return nil, fmt.Errorf("sla: unknown priority %q", name)
		}
		response, err := time.ParseDuration(fp.Response)
		if err != nil {
			return nil, fmt.Errorf("sla: %s response: %w", name, err)
		}
		resolution, err := time.ParseDuration(fp.Resolution)
		if err != nil {
			return nil, fmt.Errorf("sla: %s resolution: %w", name, err)
		}
		policies[priority] = Policy{Response: response, Resolution: resolution}
	}
	return NewTable(policies)
}
