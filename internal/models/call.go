package models

import (
	"time"

	"gorm.io/datatypes"
)

// Call direction values.
const (
	CallDirectionInbound  = "inbound"
	CallDirectionOutbound = "outbound"
)

// Call status values.
const (
	CallStatusInProgress = "in_progress"
	CallStatusCompleted  = "completed"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no_answer"
)

// Call records a single voice-agent conversation.
type Call struct {
	BaseModel
	TenantID        string         `gorm:"size:64;index;not null" json:"tenant_id"`
	AgentID         string         `gorm:"type:uuid;index" json:"agent_id"`
	LeadID          *string        `gorm:"type:uuid;index" json:"lead_id,omitempty"`
	Direction       string         `gorm:"size:16" json:"direction"`
	Status          string         `gorm:"size:32;index" json:"status"`
	DurationSeconds int            `json:"duration_seconds"`
	StartedAt       time.Time      `gorm:"index" json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	Metadata        datatypes.JSON `json:"metadata,omitempty"`
}

// TableName overrides the default gorm table name.
func (Call) TableName() string { return "calls" }

// WatchedTable implements invalidation.Watched.
func (Call) WatchedTable() string { return "calls" }

// WatchedTenantID implements invalidation.Watched.
func (c Call) WatchedTenantID() string { return c.TenantID }

// WatchedEntityID implements invalidation.Watched.
func (c Call) WatchedEntityID() string { return c.AgentID }
