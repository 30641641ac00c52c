package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("NOT_FOUND")

// SessionRecord 协作会话的元数据，内存态由 collab 在首次 join 时构建
type SessionRecord struct {
	ID              string     `gorm:"primaryKey;type:char(36)"`
	DocumentID      string     `gorm:"type:varchar(128);index:idx_document_open;not null"`
	InitialContent  string     `gorm:"type:longtext"`
	MaxParticipants int        `gorm:"not null"`
	CreatedAt       time.Time  `gorm:"not null"`
	ClosedAt        *time.Time `gorm:"index:idx_document_open"`
}

func (SessionRecord) TableName() string { return "collab_sessions" }

func (r SessionRecord) Closed() bool { return r.ClosedAt != nil }

type SessionStore struct{ db *gorm.DB }

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) AutoMigrate() error {
	return s.db.AutoMigrate(&SessionRecord{})
}

func (s *SessionStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("create session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return rec, nil
}

// FindOpenSession 文档上尚未关闭的会话（最新的一个）
func (s *SessionStore) FindOpenSession(ctx context.Context, documentID string) (SessionRecord, bool, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND closed_at IS NULL", documentID).
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("find open session doc=%s: %w", documentID, err)
	}
	return rec, true, nil
}

func (s *SessionStore) CloseSession(ctx context.Context, id string, closedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("id = ? AND closed_at IS NULL", id).
		Update("closed_at", closedAt)
	if res.Error != nil {
		return fmt.Errorf("close session %s: %w", id, res.Error)
	}
	return nil
}

type MemorySessionStore struct {
	mu      sync.RWMutex
	records map[string]SessionRecord
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{records: make(map[string]SessionRecord)}
}

func (s *MemorySessionStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("create session %s: duplicate id", rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemorySessionStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemorySessionStore) FindOpenSession(ctx context.Context, documentID string) (SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found SessionRecord
		ok    bool
	)
	for _, rec := range s.records {
		if rec.DocumentID != documentID || rec.Closed() {
			continue
		}
		if !ok || rec.CreatedAt.After(found.CreatedAt) {
			found, ok = rec, true
		}
	}
	return found, ok, nil
}

func (s *MemorySessionStore) CloseSession(ctx context.Context, id string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Closed() {
		return nil
	}
	t := closedAt
	rec.ClosedAt = &t
	s.records[id] = rec
	return nil
}
