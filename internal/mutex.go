package internal

import "sync"

// MutexByUser serialises device list mutations on a per-user basis. Two
// linking sessions racing to mutate the same user's list would otherwise
// silently overwrite each other's sequence index.
type MutexByUser struct {
	mu       *sync.Mutex // protects the map
	userToMu map[string]*sync.Mutex
}

func NewMutexByUser() *MutexByUser {
	return &MutexByUser{
		mu:       &sync.Mutex{},
		userToMu: make(map[string]*sync.Mutex),
	}
}

func (m *MutexByUser) Lock(userID string) {
	m.mu.Lock()
	userMu := m.userToMu[userID]
	if userMu == nil {
		userMu = &sync.Mutex{}
	}
	m.userToMu[userID] = userMu
	m.mu.Unlock()
	// don't lock inside m.mu else we can deadlock
	userMu.Lock()
}

func (m *MutexByUser) Unlock(userID string) {
	m.mu.Lock()
	userMu := m.userToMu[userID]
	if userMu == nil {
		panic("MutexByUser: Unlock before Lock")
	}
	m.mu.Unlock()

	userMu.Unlock()
}
