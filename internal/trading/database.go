package trading

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-guard/internal/types"
)

const idempotencyTTL = 24 * time.Hour

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

// GetOrdersByStatus returns every order in one of statuses, oldest first
func (d *Database) GetOrdersByStatus(statuses ...types.OrderStatus) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("status IN ?", statuses).Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// GetUserOrders returns the user's orders matching filter, newest first
func (d *Database) GetUserOrders(userID string, filter OrderFilter) ([]types.Order, error) {
	query := d.db.Where("user_id = ?", userID)
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.StrategyID != "" {
		query = query.Where("strategy_id = ?", filter.StrategyID)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at < ?", *filter.To)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var orders []types.Order
	if err := query.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// CreateOrderWithIdempotency creates a new order and idempotency record in a transaction
func (d *Database) CreateOrderWithIdempotency(order *types.Order, idempotencyKey string, now time.Time) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := types.IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.OrderID,
		ResourceType:   "order",
		ExpiresAt:      now.Add(idempotencyTTL),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord returns nil when the key has never been used
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// DeleteIdempotencyRecord frees an expired key for reuse
func (d *Database) DeleteIdempotencyRecord(key string) error {
	return d.db.Unscoped().Where("idempotency_key = ?", key).Delete(&types.IdempotencyRecord{}).Error
}
