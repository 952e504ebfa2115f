package cache

import "strings"

// Cache concerns. The first two key segments are always {concern}:{tenantID},
// so a tenant's data in one concern can be cleared with a single prefix.
const (
	ConcernDashboard   = "dashboard"
	ConcernAgents      = "agents"
	ConcernPerformance = "agent_perf"
	ConcernLeads       = "leads"
	ConcernQuery       = "query"
)

const keySeparator = ":"

// DashboardKey addresses a tenant's aggregated dashboard statistics.
func DashboardKey(tenantID string) string {
	return buildKey(ConcernDashboard, tenantID, "stats")
}

// AgentListKey addresses a tenant's agent roster.
func AgentListKey(tenantID string) string {
	return buildKey(ConcernAgents, tenantID, "list")
}

// AgentDetailKey addresses a single agent's configuration and detail view.
func AgentDetailKey(tenantID, agentID string) string {
	return buildKey(ConcernAgents, tenantID, "detail", agentID)
}

// AgentPerformanceKey addresses a single agent's call performance roll-up.
func AgentPerformanceKey(tenantID, agentID string) string {
	return buildKey(ConcernPerformance, tenantID, agentID)
}

// LeadStatsKey addresses a tenant's lead funnel statistics.
func LeadStatsKey(tenantID string) string {
	return buildKey(ConcernLeads, tenantID, "stats")
}

// QueryKey addresses an ad-hoc query result identified by its qualifiers.
func QueryKey(tenantID string, qualifiers ...string) string {
	return buildKey(ConcernQuery, tenantID, qualifiers...)
}

// TenantPrefix returns the invalidation prefix covering every key of one
// tenant within one concern.
func TenantPrefix(concern, tenantID string) string {
	return SanitizeSegment(concern) + keySeparator + SanitizeSegment(tenantID) + keySeparator
}

// AgentPrefix returns the invalidation prefix covering a single agent's keys
// under the agents concern.
func AgentPrefix(tenantID, agentID string) string {
	return TenantPrefix(ConcernAgents, tenantID) + "detail" + keySeparator + SanitizeSegment(agentID)
}

func buildKey(concern, tenantID string, qualifiers ...string) string {
	parts := make([]string, 0, 2+len(qualifiers))
	parts = append(parts, SanitizeSegment(concern), SanitizeSegment(tenantID))
	for _, q := range qualifiers {
		parts = append(parts, SanitizeSegment(q))
	}
	return strings.Join(parts, keySeparator)
}

// SanitizeSegment keeps identifiers from injecting separator characters into
// neighbouring segments, which would break prefix isolation.
func SanitizeSegment(segment string) string {
	if segment == "" {
		return "_"
	}
	return strings.ReplaceAll(segment, keySeparator, "_")
}
