package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/clarivex/internal/model"
)

// MemorySessionStore はプロセス内メモリを使用したセッションストア。
// 単一プロセス構成のデフォルト実装。再起動するとセッションは失われる。
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	now      func() time.Time
}

// NewMemorySessionStore はMemorySessionStoreを生成する。
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]model.Session),
		now:      time.Now,
	}
}

// Create はセッションを作成する。
func (s *MemorySessionStore) Create(ctx context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = *session
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
// 呼び出し元による変更がストアに影響しないようコピーを返す。
func (s *MemorySessionStore) FindByID(ctx context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok || session.Expired(s.now()) {
		return nil, nil
	}
	return &session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (s *MemorySessionStore) DeleteByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// DeleteExpired はnow時点で期限切れのセッションを削除する。
func (s *MemorySessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

// Len は保持しているセッション数を返す。期限切れで未削除のものも含む。
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// compile-time interface check
var _ SessionRepository = (*MemorySessionStore)(nil)
