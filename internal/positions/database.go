package positions

import (
	"errors"
	"sort"

	"gorm.io/gorm"

	"github.com/ksred/klear-guard/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetPosition returns nil when the user has never traded the symbol
func (d *Database) GetPosition(userID, symbol string) (*types.Position, error) {
	var position types.Position
	if err := d.db.Where("user_id = ? AND symbol = ?", userID, symbol).First(&position).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

// GetOpenPositions returns every non-flat position of the user
func (d *Database) GetOpenPositions(userID string) ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.Where("user_id = ? AND ABS(quantity) > ?", userID, flatEpsilon).
		Order("symbol ASC").
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

func (d *Database) GetAccount(userID string) (*types.Account, error) {
	var account types.Account
	if err := d.db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *Database) CreateAccount(account *types.Account) error {
	return d.db.Create(account).Error
}

func (d *Database) UpdateAccount(account *types.Account) error {
	return d.db.Save(account).Error
}

// ApplyFill loads the position and account inside one transaction, lets
// apply mutate them and saves both.
func (d *Database) ApplyFill(userID, symbol string, apply func(*types.Position, *types.Account) error) (*types.Position, error) {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var position types.Position
	err := tx.Where("user_id = ? AND symbol = ?", userID, symbol).First(&position).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		position = types.Position{UserID: userID, Symbol: symbol}
	}

	var account types.Account
	err = tx.Where("user_id = ?", userID).First(&account).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = types.Account{UserID: userID}
	}

	if err := apply(&position, &account); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Save(&position).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Save(&account).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &position, nil
}

// GetActiveUsers lists users holding an open position or an order that can
// still trade.
func (d *Database) GetActiveUsers() ([]string, error) {
	var positionUsers []string
	if err := d.db.Model(&types.Position{}).
		Where("ABS(quantity) > ?", flatEpsilon).
		Distinct().
		Pluck("user_id", &positionUsers).Error; err != nil {
		return nil, err
	}

	var orderUsers []string
	if err := d.db.Model(&types.Order{}).
		Where("status IN ?", types.ActiveOrderStatuses).
		Distinct().
		Pluck("user_id", &orderUsers).Error; err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(positionUsers)+len(orderUsers))
	users := make([]string, 0, len(positionUsers)+len(orderUsers))
	for _, u := range append(positionUsers, orderUsers...) {
		if !seen[u] {
			seen[u] = true
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users, nil
}
