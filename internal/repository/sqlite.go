package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"securesend/internal/common"
	"securesend/internal/models"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements ObjectStore with gorm over the pure-Go SQLite
// driver. It is meant for single-node deployments and tests.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens dsn ("file:securesend.db" or
// "file:name?mode=memory&cache=shared") and migrates the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dial := gormsqlite.Dialector{DriverName: "sqlite", DSN: dsn}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also makes the
	// conditional decrement trivially serial.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.Object{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, obj *models.Object) error {
	rec := obj.Clone()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Object{}).Where("id = ?", rec.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return common.ErrConflict
		}
		return tx.Create(rec).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrConflict), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return common.ErrConflict
	default:
		return storageErr("create object", err)
	}
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Object, error) {
	var obj models.Object
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&obj).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, storageErr("get object", err)
	}
	return &obj, nil
}

func (s *SQLiteStore) ConsumeDownload(ctx context.Context, id string, now time.Time) (*models.Object, error) {
	var (
		obj      models.Object
		consumed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Object{}).
			Where("id = ? AND downloads_remaining > 0 AND expires_at > ?", id, now.UTC()).
			UpdateColumn("downloads_remaining", gorm.Expr("downloads_remaining - 1"))
		if res.Error != nil {
			return res.Error
		}
		consumed = res.RowsAffected == 1
		return tx.Where("id = ?", id).Take(&obj).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, storageErr("consume download", err)
	}
	if consumed {
		return &obj, nil
	}
	if reason := denial(&obj, now); reason != nil {
		return nil, reason
	}
	return nil, common.ErrLimitReached
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Object{})
	if res.Error != nil {
		return storageErr("delete object", res.Error)
	}
	if res.RowsAffected == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListReclaimable(ctx context.Context, now time.Time, after string, limit int) ([]string, error) {
	ids := []string{}
	err := s.db.WithContext(ctx).Model(&models.Object{}).
		Where("downloads_remaining <= 0 OR expires_at <= ?", now.UTC()).
		Where("id > ?", after).
		Order("id").
		Limit(batchSize(limit)).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, storageErr("list reclaimable", err)
	}
	return ids, nil
}
