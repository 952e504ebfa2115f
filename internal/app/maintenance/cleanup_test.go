package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/calltrics/calltrics/internal/database"
	"github.com/calltrics/calltrics/internal/models"
)

func newCleanerFixture(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(database.Config{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	require.NoError(t, database.AutoMigrate(db))
	return db
}

func TestRunOncePurgesAgedTriggerLogs(t *testing.T) {
	db := newCleanerFixture(t)
	now := time.Now()

	old := models.TriggerErrorLog{Source: "emitter:calls", Message: "stale", OccurredAt: now.Add(-8 * 24 * time.Hour)}
	fresh := models.TriggerErrorLog{Source: "emitter:calls", Message: "recent", OccurredAt: now.Add(-time.Hour)}
	require.NoError(t, db.Create(&old).Error)
	require.NoError(t, db.Create(&fresh).Error)

	cleaner := NewCleaner(db, WithNow(func() time.Time { return now }))
	require.NoError(t, cleaner.RunOnce(context.Background()))

	var remaining []models.TriggerErrorLog
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, "recent", remaining[0].Message)
}

func TestRunOncePurgesAgedResolvedAlerts(t *testing.T) {
	db := newCleanerFixture(t)
	now := time.Now()

	oldResolved := now.Add(-31 * 24 * time.Hour)
	recentResolved := now.Add(-time.Hour)

	alerts := []models.Alert{
		{RuleID: "r1", Status: models.AlertStatusResolved, ResolvedAt: &oldResolved},
		{RuleID: "r2", Status: models.AlertStatusResolved, ResolvedAt: &recentResolved},
		{RuleID: "r3", Status: models.AlertStatusActive},
	}
	for i := range alerts {
		require.NoError(t, db.Create(&alerts[i]).Error)
	}

	cleaner := NewCleaner(db, WithNow(func() time.Time { return now }))
	require.NoError(t, cleaner.RunOnce(context.Background()))

	var remaining []models.Alert
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 2)
}

func TestRunOnceHonoursCustomRetention(t *testing.T) {
	db := newCleanerFixture(t)
	now := time.Now()

	entry := models.TriggerErrorLog{Source: "emitter:leads", Message: "m", OccurredAt: now.Add(-2 * time.Hour)}
	require.NoError(t, db.Create(&entry).Error)

	cleaner := NewCleaner(db,
		WithNow(func() time.Time { return now }),
		WithTriggerLogMaxAge(time.Hour),
	)
	require.NoError(t, cleaner.RunOnce(context.Background()))

	var count int64
	require.NoError(t, db.Model(&models.TriggerErrorLog{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestStartAndStop(t *testing.T) {
	db := newCleanerFixture(t)

	cleaner := NewCleaner(db, WithSchedule("@every 1h"))
	require.NoError(t, cleaner.Start())
	<-cleaner.Stop().Done()
}
