package devserver

import (
	"context"
	"sort"
	"sync"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

// TokenStore persists device push tokens. Upsert must be idempotent: storing
// the same (user, app, device token) again only refreshes LastRegisteredAt.
type TokenStore interface {
	Upsert(ctx context.Context, userID string, reg sitelink.PushRegistration) (created bool, err error)
	Delete(ctx context.Context, userID, deviceToken string) error
	List(ctx context.Context, userID string) ([]sitelink.PushRegistration, error)
}

func tokenField(app sitelink.App, deviceToken string) string {
	return string(app) + ":" + deviceToken
}

// MemoryTokenStore is a goroutine-safe in-memory TokenStore.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]map[string]sitelink.PushRegistration
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]map[string]sitelink.PushRegistration)}
}

func (s *MemoryTokenStore) Upsert(_ context.Context, userID string, reg sitelink.PushRegistration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens[userID] == nil {
		s.tokens[userID] = make(map[string]sitelink.PushRegistration)
	}
	field := tokenField(reg.App, reg.DeviceToken)
	_, exists := s.tokens[userID][field]
	s.tokens[userID][field] = reg
	return !exists, nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, userID, deviceToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for field, reg := range s.tokens[userID] {
		if reg.DeviceToken == deviceToken {
			delete(s.tokens[userID], field)
		}
	}
	return nil
}

func (s *MemoryTokenStore) List(_ context.Context, userID string) ([]sitelink.PushRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sitelink.PushRegistration, 0, len(s.tokens[userID]))
	for _, reg := range s.tokens[userID] {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool {
		return tokenField(out[i].App, out[i].DeviceToken) < tokenField(out[j].App, out[j].DeviceToken)
	})
	return out, nil
}
