package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/domain"
	jxtjson "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/json"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
)

// Repository GORM 仓储实现
//
// 新聚合用 INSERT ... ON CONFLICT DO NOTHING 写入，已有聚合用
// UPDATE ... WHERE version = ? 写入，影响行数为 0 即并发冲突。
// 命令记录、聚合快照和事件在同一个事务里提交。
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建 GORM 仓储
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Open 按配置打开数据库连接
func Open(cfg *config.Database, zl *zap.Logger, gormLogLevel int) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.Source)
	case "sqlite":
		dialector = sqlite.Open(cfg.Source)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLogger(zl, gormLogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdle())
	}
	if cfg.ConnMaxLifeTime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLife())
	}
	return db, nil
}

// AutoMigrate 创建仓储需要的表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&AggregateModel{}, &EventModel{}, &CommandModel{})
}

func (r *Repository) Load(ctx context.Context, id string, agg domain.Aggregate) error {
	var m AggregateModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrAggregateNotFound
	}
	if err != nil {
		return fmt.Errorf("load aggregate %s: %w", id, err)
	}
	return domain.Restore(agg, m.ID, m.Type, m.Version, m.State)
}

func (r *Repository) Commit(ctx context.Context, commit *domain.Commit) error {
	if err := domain.ValidateCommit(commit); err != nil {
		return err
	}

	events := commit.Events()
	eventsJSON, err := jxtjson.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode command record: %w", err)
	}
	now := commit.CommittedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&CommandModel{
			CommandID:   commit.CommandID,
			Events:      JSONPayload(eventsJSON),
			Reply:       JSONPayload(commit.Reply),
			CommittedAt: now,
		})
		if res.Error != nil {
			return fmt.Errorf("record command %s: %w", commit.CommandID, res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrCommandAlreadyProcessed
		}

		for _, ch := range commit.Changes {
			if err := r.writeAggregate(tx, ch, now); err != nil {
				return err
			}
		}

		if len(events) == 0 {
			return nil
		}
		models := make([]*EventModel, 0, len(events))
		for _, e := range events {
			models = append(models, fromEvent(e))
		}
		if err := tx.Create(&models).Error; err != nil {
			return fmt.Errorf("append events: %w", err)
		}
		return nil
	})
}

func (r *Repository) writeAggregate(tx *gorm.DB, ch domain.Change, now time.Time) error {
	var res *gorm.DB
	if ch.ExpectedVersion == 0 {
		res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&AggregateModel{
			ID:        ch.AggregateID,
			Type:      ch.AggregateType,
			Version:   ch.NewVersion(),
			State:     JSONPayload(ch.State),
			CreatedAt: now,
			UpdatedAt: now,
		})
	} else {
		res = tx.Model(&AggregateModel{}).
			Where("id = ? AND version = ?", ch.AggregateID, ch.ExpectedVersion).
			Updates(map[string]interface{}{
				"version":    ch.NewVersion(),
				"state":      JSONPayload(ch.State),
				"updated_at": now,
			})
	}
	if res.Error != nil {
		return fmt.Errorf("write aggregate %s: %w", ch.AggregateID, res.Error)
	}
	if res.RowsAffected == 0 {
		return &domain.ConcurrencyConflictError{
			AggregateID: ch.AggregateID,
			Expected:    ch.ExpectedVersion,
			Actual:      currentVersion(tx, ch.AggregateID),
		}
	}
	return nil
}

func currentVersion(tx *gorm.DB, id string) int64 {
	var version int64
	tx.Model(&AggregateModel{}).Select("version").Where("id = ?", id).Scan(&version)
	return version
}

func (r *Repository) FindCommand(ctx context.Context, commandID string) (*domain.CommandRecord, bool, error) {
	var m CommandModel
	err := r.db.WithContext(ctx).Where("command_id = ?", commandID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find command %s: %w", commandID, err)
	}

	rec := &domain.CommandRecord{
		CommandID:   m.CommandID,
		Reply:       jxtjson.RawMessage(m.Reply),
		CommittedAt: m.CommittedAt,
	}
	if len(m.Events) > 0 {
		if err := jxtjson.Unmarshal(m.Events, &rec.Events); err != nil {
			return nil, false, fmt.Errorf("decode command record %s: %w", commandID, err)
		}
	}
	return rec, true, nil
}

// Events 按版本顺序读取聚合的事件
func (r *Repository) Events(ctx context.Context, aggregateID string) ([]*message.DomainEvent, error) {
	var models []*EventModel
	err := r.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("version ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*message.DomainEvent, 0, len(models))
	for _, m := range models {
		out = append(out, m.toEvent())
	}
	return out, nil
}
