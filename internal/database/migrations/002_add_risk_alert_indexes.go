package migrations

import (
	"gorm.io/gorm"
)

// AddRiskAlertIndexes creates the indexes for alert queries and retention cleanup
func AddRiskAlertIndexes(db *gorm.DB) error {
	indexes := []string{
		// Dedup lookup of unresolved alerts
		`CREATE INDEX IF NOT EXISTS idx_risk_alerts_user_type_resolved
		 ON risk_alerts(user_id, type, resolved_at)`,

		// Retention cleanup
		`CREATE INDEX IF NOT EXISTS idx_risk_alerts_triggered_at
		 ON risk_alerts(triggered_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
