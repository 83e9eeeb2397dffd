package presence

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Registry.
type Memory struct {
	mu    sync.Mutex
	conns map[string]string
	users map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		conns: make(map[string]string),
		users: make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Add(_ context.Context, connID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.conns[connID]; ok && prev != userID {
		m.detach(connID, prev)
	}

	set := m.users[userID]
	if set == nil {
		set = make(map[string]struct{})
		m.users[userID] = set
	}
	first := len(set) == 0
	set[connID] = struct{}{}
	m.conns[connID] = userID
	return first, nil
}

func (m *Memory) Remove(_ context.Context, connID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.conns[connID]
	if !ok {
		return "", false, nil
	}
	last := m.detach(connID, userID)
	return userID, last, nil
}

// detach removes connID from userID's set and reports whether the set
// became empty. Callers hold mu.
func (m *Memory) detach(connID, userID string) bool {
	delete(m.conns, connID)
	set := m.users[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(m.users, userID)
		return true
	}
	return false
}

func (m *Memory) Lookup(_ context.Context, connID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.conns[connID]
	if !ok {
		return "", ErrUnknownConnection
	}
	return userID, nil
}

func (m *Memory) Online(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users[userID]) > 0, nil
}

func (m *Memory) Connections(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.users[userID]))
	for id := range m.users[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
