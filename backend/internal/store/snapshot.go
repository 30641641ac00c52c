package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Snapshot 文档快照的持久化格式
type Snapshot struct {
	DocumentID string    `json:"documentId"`
	SessionID  string    `json:"sessionId"`
	Revision   uint64    `json:"revision"`
	Content    string    `json:"content"`
	CapturedAt time.Time `json:"capturedAt"`
}

const createSnapshotTable = `CREATE TABLE IF NOT EXISTS document_snapshots (
	id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
	document_id VARCHAR(128) NOT NULL,
	session_id CHAR(36) NOT NULL,
	revision BIGINT UNSIGNED NOT NULL,
	content LONGTEXT NOT NULL,
	captured_at DATETIME(6) NOT NULL,
	UNIQUE KEY uk_session_revision (session_id, revision),
	KEY idx_document_captured (document_id, captured_at)
)`

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createSnapshotTable)
	return err
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, session_id, revision, content, captured_at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.DocumentID,
		snap.SessionID,
		snap.Revision,
		snap.Content,
		snap.CapturedAt.UTC(),
	)
	if err != nil {
		// 同一 session 同一版本重复写入（比如驱逐前刚好做过周期快照）
		if isDuplicateEntry(err) {
			return nil
		}
		return fmt.Errorf("save snapshot doc=%s session=%s rev=%d: %w", snap.DocumentID, snap.SessionID, snap.Revision, err)
	}
	return nil
}

// LatestSnapshot 该文档最近一次快照，没有时 ok=false
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, documentID string) (Snapshot, bool, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, session_id, revision, content, captured_at
		FROM document_snapshots WHERE document_id = ?
		ORDER BY captured_at DESC, id DESC LIMIT 1`,
		documentID,
	).Scan(&snap.DocumentID, &snap.SessionID, &snap.Revision, &snap.Content, &snap.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("latest snapshot doc=%s: %w", documentID, err)
	}
	return snap, true, nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// MemorySnapshotStore 未配置 MySQL 时使用，同时用于测试
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	byDoc map[string][]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{byDoc: make(map[string][]Snapshot)}
}

func (s *MemorySnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byDoc[snap.DocumentID] {
		if existing.SessionID == snap.SessionID && existing.Revision == snap.Revision {
			return nil
		}
	}
	s.byDoc[snap.DocumentID] = append(s.byDoc[snap.DocumentID], snap)
	return nil
}

func (s *MemorySnapshotStore) LatestSnapshot(ctx context.Context, documentID string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byDoc[documentID]
	if len(list) == 0 {
		return Snapshot{}, false, nil
	}
	// 与 SQL 版一致：captured_at 最大者，相同时取后写入的
	latest := list[0]
	for _, snap := range list[1:] {
		if !snap.CapturedAt.Before(latest.CapturedAt) {
			latest = snap
		}
	}
	return latest, true, nil
}

// All 按写入顺序返回某文档的全部快照
func (s *MemorySnapshotStore) All(documentID string) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Snapshot(nil), s.byDoc[documentID]...)
}
