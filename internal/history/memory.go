package history

import (
	"context"
	"slices"
	"sync"

	"github.com/nugget/evchat/internal/llm"
)

// MemoryStore keeps histories in process memory. It backs one-shot CLI
// use and tests.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string][]llm.Message
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string][]llm.Message)}
}

func (s *MemoryStore) Append(_ context.Context, userID string, msg llm.Message) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	msg, err := Normalize(msg.Role, msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkAppend(s.convs[userID], msg); err != nil {
		return err
	}
	s.convs[userID] = append(s.convs[userID], msg)
	return nil
}

func (s *MemoryStore) History(_ context.Context, userID string) ([]llm.Message, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.convs[userID])
	if out == nil {
		out = []llm.Message{}
	}
	return out, nil
}

func (s *MemoryStore) EnsureSystem(_ context.Context, userID, content string) (bool, error) {
	if userID == "" {
		return false, ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := withSystem(s.convs[userID], content)
	if next == nil {
		return false, nil
	}
	s.convs[userID] = next
	return true, nil
}

func (s *MemoryStore) Clear(_ context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, userID)
	return nil
}

func (s *MemoryStore) Users(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.convs))
	for id := range s.convs {
		users = append(users, id)
	}
	slices.Sort(users)
	return users, nil
}
