package monitor

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

func (d *Database) CreateAlert(alert *types.RiskAlert) error {
	return d.db.Create(alert).Error
}

func (d *Database) UpdateAlert(alert *types.RiskAlert) error {
	return d.db.Save(alert).Error
}

func (d *Database) GetAlert(alertID string) (*types.RiskAlert, error) {
	var alert types.RiskAlert
	if err := d.db.Where("alert_id = ?", alertID).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &alert, nil
}

// FindOpenAlert returns the unresolved alert with the same user, type and
// severity, if any.
func (d *Database) FindOpenAlert(userID string, alertType types.AlertType, severity types.AlertSeverity) (*types.RiskAlert, error) {
	var alert types.RiskAlert
	err := d.db.
		Where("user_id = ? AND type = ? AND severity = ? AND resolved_at IS NULL", userID, alertType, severity).
		Order("triggered_at DESC").
		First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &alert, nil
}

func (d *Database) GetUserAlerts(userID string, activeOnly bool) ([]types.RiskAlert, error) {
	query := d.db.Where("user_id = ?", userID)
	if activeOnly {
		query = query.Where("resolved_at IS NULL")
	}
	var alerts []types.RiskAlert
	if err := query.Order("triggered_at DESC").Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

// DeleteAlertsBefore removes alerts last triggered before cutoff
func (d *Database) DeleteAlertsBefore(cutoff time.Time) (int64, error) {
	result := d.db.Unscoped().Where("triggered_at < ?", cutoff).Delete(&types.RiskAlert{})
	return result.RowsAffected, result.Error
}
