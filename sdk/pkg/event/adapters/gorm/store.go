// Package gorm stores event subscription progress in a relational database.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/event"
)

// SubscriptionModel 订阅进度，(subscriber_id, topic) 唯一
type SubscriptionModel struct {
	SubscriberID string    `gorm:"type:varchar(128);primaryKey;comment:订阅者ID"`
	Topic        string    `gorm:"type:varchar(255);primaryKey;comment:主题"`
	LastOffset   int64     `gorm:"type:bigint;not null;default:-1;comment:最后处理的位置"`
	LastEventID  string    `gorm:"type:varchar(64);comment:最后处理的事件ID"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (SubscriptionModel) TableName() string {
	return "cqrs_subscriptions"
}

// Store GORM 订阅进度存储
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 创建订阅进度表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SubscriptionModel{})
}

func (s *Store) Load(ctx context.Context, subscriberID, topic string) (*event.Subscription, error) {
	var m SubscriptionModel
	err := s.db.WithContext(ctx).
		Where("subscriber_id = ? AND topic = ?", subscriberID, topic).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return event.NewSubscription(subscriberID, topic), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", subscriberID, err)
	}
	return &event.Subscription{
		SubscriberID:        m.SubscriberID,
		Topic:               m.Topic,
		LastProcessedOffset: m.LastOffset,
		LastEventID:         m.LastEventID,
		UpdatedAt:           m.UpdatedAt,
	}, nil
}

func (s *Store) Save(ctx context.Context, sub *event.Subscription) error {
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "topic"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_offset", "last_event_id", "updated_at"}),
	}).Create(&SubscriptionModel{
		SubscriberID: sub.SubscriberID,
		Topic:        sub.Topic,
		LastOffset:   sub.LastProcessedOffset,
		LastEventID:  sub.LastEventID,
		UpdatedAt:    updatedAt,
	}).Error
	if err != nil {
		return fmt.Errorf("save subscription %s: %w", sub.SubscriberID, err)
	}
	return nil
}
