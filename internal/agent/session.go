package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/domain"
)

// SessionManager resolves (user, bot) to a backend conversation id, caching
// the persisted mapping in memory.
type SessionManager struct {
	store  domain.SessionStore
	logger *slog.Logger
	mu     sync.RWMutex
	cache  map[string]string
}

func NewSessionManager(store domain.SessionStore, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		store:  store,
		logger: logger,
		cache:  make(map[string]string),
	}
}

func sessionKey(userID, botID string) string { return userID + "\x00" + botID }

// Conversation returns the conversation id for the pair, or "" when the
// backend has not created one yet.
func (sm *SessionManager) Conversation(ctx context.Context, userID, botID string) (string, error) {
	k := sessionKey(userID, botID)

	sm.mu.RLock()
	id, ok := sm.cache[k]
	sm.mu.RUnlock()
	if ok {
		return id, nil
	}
	if sm.store == nil {
		return "", nil
	}

	m, err := sm.store.GetSession(ctx, userID, botID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", nil
	}

	sm.mu.Lock()
	sm.cache[k] = m.ConversationID
	sm.mu.Unlock()
	return m.ConversationID, nil
}

// Remember persists a newly created conversation id. An existing mapping
// is never replaced.
func (sm *SessionManager) Remember(ctx context.Context, userID, botID, conversationID string) error {
	if conversationID == "" {
		return nil
	}
	k := sessionKey(userID, botID)

	sm.mu.Lock()
	if _, ok := sm.cache[k]; ok {
		sm.mu.Unlock()
		return nil
	}
	sm.cache[k] = conversationID
	sm.mu.Unlock()

	if sm.store == nil {
		return nil
	}
	if err := sm.store.SaveSession(ctx, domain.SessionMapping{
		UserID:         userID,
		BotID:          botID,
		ConversationID: conversationID,
		CreatedAt:      time.Now(),
	}); err != nil {
		return err
	}
	sm.logger.Info("created new conversation", "user", userID, "conversation_id", conversationID)
	return nil
}
