package invalidation

import (
	"strings"

	"github.com/calltrics/calltrics/internal/cache"
)

// PatternTemplate names a cache instance and a key-prefix template. The
// placeholders {tenant} and {entity} are replaced with sanitized identifiers
// from the triggering message.
type PatternTemplate struct {
	Cache    string
	Template string
}

// CascadeRule maps one watched table to the cache prefixes its changes
// invalidate.
type CascadeRule struct {
	Table    string
	Patterns []PatternTemplate
}

// Expand renders the template against a message. Identifiers pass through the
// same sanitizer the key builders use, so a change row can never widen its
// own blast radius past its tenant.
func (p PatternTemplate) Expand(msg Message) string {
	out := strings.ReplaceAll(p.Template, "{tenant}", cache.SanitizeSegment(msg.TenantID))
	return strings.ReplaceAll(out, "{entity}", cache.SanitizeSegment(msg.EntityID))
}

// DefaultRules wires the cascade for the watched tables. A change to an
// agent, call, or lead invalidates every cached view derived from it, scoped
// to the owning tenant.
func DefaultRules() []CascadeRule {
	return []CascadeRule{
		{
			Table: "agents",
			Patterns: []PatternTemplate{
				{Cache: cache.ConcernDashboard, Template: cache.ConcernDashboard + ":{tenant}:"},
				{Cache: cache.ConcernAgents, Template: cache.ConcernAgents + ":{tenant}:"},
				{Cache: cache.ConcernPerformance, Template: cache.ConcernPerformance + ":{tenant}:{entity}"},
			},
		},
		{
			Table: "calls",
			Patterns: []PatternTemplate{
				{Cache: cache.ConcernDashboard, Template: cache.ConcernDashboard + ":{tenant}:"},
				{Cache: cache.ConcernPerformance, Template: cache.ConcernPerformance + ":{tenant}:{entity}"},
				{Cache: cache.ConcernQuery, Template: cache.ConcernQuery + ":{tenant}:"},
			},
		},
		{
			Table: "leads",
			Patterns: []PatternTemplate{
				{Cache: cache.ConcernDashboard, Template: cache.ConcernDashboard + ":{tenant}:"},
				{Cache: cache.ConcernLeads, Template: cache.ConcernLeads + ":{tenant}:"},
				{Cache: cache.ConcernQuery, Template: cache.ConcernQuery + ":{tenant}:"},
			},
		},
	}
}
