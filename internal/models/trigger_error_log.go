package models

import "time"

// TriggerErrorLog is an append-only record of change-emitter failures that
// were swallowed to keep the triggering write unaffected.
type TriggerErrorLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Source     string    `gorm:"size:128;index" json:"source"`
	Message    string    `gorm:"size:2048" json:"message"`
	OccurredAt time.Time `gorm:"index" json:"occurred_at"`
}

// TableName overrides the default gorm table name.
func (TriggerErrorLog) TableName() string { return "trigger_error_logs" }
