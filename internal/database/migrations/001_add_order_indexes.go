package migrations

import (
	"gorm.io/gorm"
)

// AddOrderIndexes creates the composite indexes used by the executor, the
// retry coordinator and the daily-limit check
func AddOrderIndexes(db *gorm.DB) error {
	indexes := []string{
		// Active orders per user (emergency stop, monitor)
		`CREATE INDEX IF NOT EXISTS idx_orders_user_status
		 ON orders(user_id, status)`,

		// Orders created today per user (daily limit, overtrading dampener)
		`CREATE INDEX IF NOT EXISTS idx_orders_user_created_at
		 ON orders(user_id, created_at)`,

		// Retry coordinator scan
		`CREATE INDEX IF NOT EXISTS idx_orders_status_updated_at
		 ON orders(status, updated_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
