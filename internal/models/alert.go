package models

import "time"

// Alert severity values.
const (
	AlertSeverityInfo     = "info"
	AlertSeverityWarning  = "warning"
	AlertSeverityCritical = "critical"
)

// Alert lifecycle states.
const (
	AlertStatusActive       = "active"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusResolved     = "resolved"
)

// Alert is raised by the monitoring component when a threshold rule fires.
// At most one unresolved alert exists per rule id.
type Alert struct {
	BaseModel
	RuleID         string     `gorm:"size:128;index;not null" json:"rule_id"`
	Severity       string     `gorm:"size:16" json:"severity"`
	Message        string     `gorm:"size:1024" json:"message"`
	Status         string     `gorm:"size:16;index" json:"status"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// TableName overrides the default gorm table name.
func (Alert) TableName() string { return "alerts" }
