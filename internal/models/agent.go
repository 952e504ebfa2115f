package models

import "gorm.io/datatypes"

// Agent is a configured voice agent owned by a tenant.
type Agent struct {
	BaseModel
	TenantID string         `gorm:"size:64;index;not null" json:"tenant_id"`
	Name     string         `gorm:"size:128;not null" json:"name"`
	Voice    string         `gorm:"size:64" json:"voice"`
	Language string         `gorm:"size:16" json:"language"`
	Greeting string         `gorm:"size:1024" json:"greeting"`
	Active   bool           `gorm:"default:true" json:"active"`
	Config   datatypes.JSON `json:"config,omitempty"`
}

// TableName overrides the default gorm table name.
func (Agent) TableName() string { return "agents" }

// WatchedTable implements invalidation.Watched.
func (Agent) WatchedTable() string { return "agents" }

// WatchedTenantID implements invalidation.Watched.
func (a Agent) WatchedTenantID() string { return a.TenantID }

// WatchedEntityID implements invalidation.Watched.
func (a Agent) WatchedEntityID() string { return a.ID }
