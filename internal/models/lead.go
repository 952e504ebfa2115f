package models

// Lead status values.
const (
	LeadStatusNew       = "new"
	LeadStatusContacted = "contacted"
	LeadStatusQualified = "qualified"
	LeadStatusConverted = "converted"
	LeadStatusLost      = "lost"
)

// Lead is a prospective customer a tenant's agents call.
type Lead struct {
	BaseModel
	TenantID string `gorm:"size:64;index;not null" json:"tenant_id"`
	Name     string `gorm:"size:128" json:"name"`
	Phone    string `gorm:"size:32;index" json:"phone"`
	Email    string `gorm:"size:255" json:"email"`
	Status   string `gorm:"size:32;index" json:"status"`
	Source   string `gorm:"size:64" json:"source"`
}

// TableName overrides the default gorm table name.
func (Lead) TableName() string { return "leads" }

// WatchedTable implements invalidation.Watched.
func (Lead) WatchedTable() string { return "leads" }

// WatchedTenantID implements invalidation.Watched.
func (l Lead) WatchedTenantID() string { return l.TenantID }

// WatchedEntityID implements invalidation.Watched.
func (l Lead) WatchedEntityID() string { return l.ID }
