package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type record struct {
	Part      string `gorm:"primaryKey;size:16"`
	Name      string `gorm:"primaryKey;size:64"`
	Value     []byte
	UpdatedAt time.Time
}

func (record) TableName() string {
	return "kv_records"
}

// SQLite is a Store persisted in a single sqlite database file. Change
// notifications are delivered to subscribers of this process only.
type SQLite struct {
	db     *gorm.DB
	notify *notifier
	mu     sync.RWMutex
	closed bool
}

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db, notify: newNotifier()}, nil
}

func (s *SQLite) Get(ctx context.Context, p Partition, keys ...string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	var rows []record
	if err := s.db.WithContext(ctx).Where("part = ? AND name IN ?", string(p), keys).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", p, err)
	}
	for _, r := range rows {
		out[r.Name] = json.RawMessage(r.Value)
	}
	return out, nil
}

func (s *SQLite) Set(ctx context.Context, p Partition, values map[string]json.RawMessage) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	now := time.Now()
	rows := make([]record, 0, len(values))
	for k, v := range values {
		rows = append(rows, record{Part: string(p), Name: k, Value: []byte(v), UpdatedAt: now})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "part"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rows).Error
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("upsert %s: %w", p, err)
	}
	for _, r := range rows {
		s.notify.publish(Change{Partition: p, Key: r.Name, Value: json.RawMessage(r.Value)})
	}
	return nil
}

func (s *SQLite) Subscribe() (<-chan Change, func()) {
	return s.notify.subscribe()
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.notify.close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
