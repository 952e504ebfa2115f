package monitoring

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/calltrics/calltrics/pkg/errors"

	"github.com/calltrics/calltrics/internal/models"
	"github.com/calltrics/calltrics/pkg/logger"
)

// AlertService persists threshold alerts with an active → acknowledged →
// resolved lifecycle. At most one unresolved alert exists per rule id.
type AlertService struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// NewAlertService wires the service over the database.
func NewAlertService(db *gorm.DB) *AlertService {
	return &AlertService{
		db:  db,
		log: logger.WithModule("monitoring.alerts"),
		now: time.Now,
	}
}

// Raise creates an alert for ruleID unless one is already unresolved, in
// which case the existing alert is returned and no duplicate is written.
func (s *AlertService) Raise(ruleID, severity, message string) (*models.Alert, error) {
	if ruleID == "" {
		return nil, apperrors.NewBadRequest("alert rule id is required")
	}

	var existing models.Alert
	err := s.db.
		Where("rule_id = ? AND status IN ?", ruleID, []string{models.AlertStatusActive, models.AlertStatusAcknowledged}).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	alert := models.Alert{
		RuleID:   ruleID,
		Severity: severity,
		Message:  message,
		Status:   models.AlertStatusActive,
	}
	if err := s.db.Create(&alert).Error; err != nil {
		return nil, err
	}

	s.log.Warn("alert raised",
		zap.String("rule_id", ruleID),
		zap.String("severity", severity),
		zap.String("message", message),
	)
	return &alert, nil
}

// Acknowledge moves an active alert to acknowledged.
func (s *AlertService) Acknowledge(id string) (*models.Alert, error) {
	alert, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if alert.Status != models.AlertStatusActive {
		return nil, apperrors.NewBadRequest("only active alerts can be acknowledged")
	}

	now := s.now()
	alert.Status = models.AlertStatusAcknowledged
	alert.AcknowledgedAt = &now
	if err := s.db.Save(alert).Error; err != nil {
		return nil, err
	}
	return alert, nil
}

// Resolve moves an unresolved alert to resolved, clearing the dedup slot for
// its rule.
func (s *AlertService) Resolve(id string) (*models.Alert, error) {
	alert, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if alert.Status == models.AlertStatusResolved {
		return alert, nil
	}

	now := s.now()
	alert.Status = models.AlertStatusResolved
	alert.ResolvedAt = &now
	if err := s.db.Save(alert).Error; err != nil {
		return nil, err
	}
	return alert, nil
}

// ResolveByRule resolves every unresolved alert for one rule id and returns
// the number resolved. Used when a health check observes the condition has
// cleared.
func (s *AlertService) ResolveByRule(ruleID string) (int, error) {
	now := s.now()
	result := s.db.Model(&models.Alert{}).
		Where("rule_id = ? AND status <> ?", ruleID, models.AlertStatusResolved).
		Updates(map[string]interface{}{
			"status":      models.AlertStatusResolved,
			"resolved_at": now,
		})
	return int(result.RowsAffected), result.Error
}

// Unresolved lists active and acknowledged alerts, newest first.
func (s *AlertService) Unresolved() ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.db.
		Where("status <> ?", models.AlertStatusResolved).
		Order("created_at DESC").
		Find(&alerts).Error
	return alerts, err
}

// SyncFromReport raises an alert for every issue in the report and resolves
// rules that no longer appear, keeping the alert table aligned with the
// latest health check.
func (s *AlertService) SyncFromReport(report HealthReport) error {
	current := make(map[string]struct{}, len(report.Issues))
	for _, issue := range report.Issues {
		current[issue.RuleID] = struct{}{}
		severity := models.AlertSeverityWarning
		if issue.Severity == StatusCritical {
			severity = models.AlertSeverityCritical
		}
		if _, err := s.Raise(issue.RuleID, severity, issue.Message); err != nil {
			return err
		}
	}

	open, err := s.Unresolved()
	if err != nil {
		return err
	}
	for _, alert := range open {
		if _, ok := current[alert.RuleID]; ok {
			continue
		}
		if _, err := s.ResolveByRule(alert.RuleID); err != nil {
			return err
		}
	}
	return nil
}

func (s *AlertService) get(id string) (*models.Alert, error) {
	var alert models.Alert
	if err := s.db.First(&alert, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return &alert, nil
}
