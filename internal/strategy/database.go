package strategy

import (
	"errors"

	"gorm.io/gorm"

	"github.com/ksred/klear-guard/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateStrategy(s *types.Strategy) error {
	return d.db.Create(s).Error
}

func (d *Database) GetStrategy(strategyID string) (*types.Strategy, error) {
	var s types.Strategy
	if err := d.db.Where("strategy_id = ?", strategyID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (d *Database) UpdateStrategy(s *types.Strategy) error {
	return d.db.Save(s).Error
}

func (d *Database) GetUserStrategies(userID string) ([]types.Strategy, error) {
	var strategies []types.Strategy
	if err := d.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&strategies).Error; err != nil {
		return nil, err
	}
	return strategies, nil
}
