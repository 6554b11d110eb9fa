package userstore

import (
	"context"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Memory is the in-process Store used for standalone runs and tests.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]*memUser
	messages []memMessage
}

type memUser struct {
	passwordHash []byte
	admin        bool
}

type memMessage struct {
	sender    string
	recipient string
	content   string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]*memUser)}
}

func (m *Memory) CreateAccount(_ context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return ErrExists
	}
	m.users[username] = &memUser{passwordHash: hash}
	return nil
}

func (m *Memory) VerifyCredentials(_ context.Context, username, password string) error {
	m.mu.RLock()
	u, ok := m.users[username]
	m.mu.RUnlock()
	if !ok {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (m *Memory) IsAdmin(_ context.Context, username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	return ok && u.admin, nil
}

func (m *Memory) DeleteAccount(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; !ok {
		return ErrNotFound
	}
	delete(m.users, username)
	return nil
}

func (m *Memory) SaveMessage(_ context.Context, sender, recipient, content string) error {
	m.mu.Lock()
	m.messages = append(m.messages, memMessage{sender: sender, recipient: recipient, content: content})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() {}

// SetAdmin flags an existing account as admin. Bootstrap and test helper;
// there is no in-band command for promotion.
func (m *Memory) SetAdmin(username string, admin bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if ok {
		u.admin = admin
	}
	return ok
}

// MessageCount returns the number of saved private messages.
func (m *Memory) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}
