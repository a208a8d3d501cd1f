// Package credentials provides the username/password lookup the server
// consults on register and login.
package credentials

import (
	"errors"
	"sync"
)

// MinPasswordLength is the shortest password Register accepts
const MinPasswordLength = 3

var (
	// ErrUsernameExists indicates the username is already registered.
	ErrUsernameExists = errors.New("username already exists")
	// ErrInvalidUsername indicates the username is empty.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrPasswordTooShort indicates the password is below MinPasswordLength.
	ErrPasswordTooShort = errors.New("password too short")
)

// Store registers and verifies users. Implementations must be safe for
// concurrent use.
type Store interface {
	// Register adds a user. Policy violations return one of the sentinel
	// errors above; anything else is a storage failure.
	Register(username, password string) error
	// Verify reports whether the password matches the registered user.
	// Unknown users verify as false with a nil error.
	Verify(username, password string) (bool, error)
	Close() error
}

// CheckPolicy validates a registration attempt without touching storage
func CheckPolicy(username, password string) error {
	if username == "" {
		return ErrInvalidUsername
	}
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

// MemoryStore keeps credentials in a map for the life of the process.
// Passwords are stored as given.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]string)}
}

// Register checks the empty name, then an existing name, then the password
func (m *MemoryStore) Register(username, password string) error {
	if username == "" {
		return ErrInvalidUsername
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[username]; exists {
		return ErrUsernameExists
	}
	if err := CheckPolicy(username, password); err != nil {
		return err
	}
	m.users[username] = password
	return nil
}

func (m *MemoryStore) Verify(username, password string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.users[username]
	return ok && stored == password, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
