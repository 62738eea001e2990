package risk

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-guard/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetParameters returns nil when the user has no stored limits
func (d *Database) GetParameters(userID string) (*types.RiskParameters, error) {
	var params types.RiskParameters
	if err := d.db.Where("user_id = ?", userID).First(&params).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &params, nil
}

// SaveParameters inserts or replaces the user's limits
func (d *Database) SaveParameters(params *types.RiskParameters) error {
	existing, err := d.GetParameters(params.UserID)
	if err != nil {
		return err
	}
	if existing != nil {
		params.ID = existing.ID
		params.CreatedAt = existing.CreatedAt
	}
	return d.db.Save(params).Error
}

// CountOrdersSince counts the user's orders created at or after since,
// whatever their status. A non-empty excludeOrderID leaves that order out.
func (d *Database) CountOrdersSince(userID string, since time.Time, excludeOrderID string) (int64, error) {
	var count int64
	q := d.db.Model(&types.Order{}).Where("user_id = ? AND created_at >= ?", userID, since)
	if excludeOrderID != "" {
		q = q.Where("order_id <> ?", excludeOrderID)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
