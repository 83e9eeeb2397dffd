package database

import (
	"context"
	"sort"
	"sync"
	"time"
)

type friendKey struct {
	to, from string
}

// Memory is an in-process implementation of the repository operations for
// single-process deployments and tests. A single mutex serializes every
// operation, which gives ClaimDownload the same compare-and-increment
// behaviour as the conditional UPDATE in Postgres.
type Memory struct {
	mu       sync.Mutex
	users    map[string]*User
	requests map[friendKey]FriendRequest
	friends  map[string]map[string]time.Time
	chats    map[string]*Chat
	messages map[string][]*Message
	shares   map[string]*FileShare
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*User),
		requests: make(map[friendKey]FriendRequest),
		friends:  make(map[string]map[string]time.Time),
		chats:    make(map[string]*Chat),
		messages: make(map[string][]*Message),
		shares:   make(map[string]*FileShare),
	}
}

func (m *Memory) HealthCheck(context.Context) error { return nil }

// --- users ---

func (m *Memory) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.users {
		if existing.UserCode == u.UserCode {
			return ErrConflict
		}
	}
	cp := *u
	cp.Friends = nil
	cp.FriendRequests = nil
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) UserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.hydrateUser(u), nil
}

func (m *Memory) UserByCode(_ context.Context, code string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.UserCode == code {
			return m.hydrateUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) hydrateUser(u *User) *User {
	cp := *u
	cp.Friends = nil
	cp.FriendRequests = nil

	type since struct {
		id string
		at time.Time
	}
	var fs []since
	for id, at := range m.friends[u.ID] {
		fs = append(fs, since{id, at})
	}
	sort.Slice(fs, func(i, j int) bool { return fs[i].at.Before(fs[j].at) })
	for _, f := range fs {
		cp.Friends = append(cp.Friends, f.id)
	}

	for key, fr := range m.requests {
		if key.to == u.ID && fr.Status == FriendPending {
			cp.FriendRequests = append(cp.FriendRequests, fr)
		}
	}
	sort.Slice(cp.FriendRequests, func(i, j int) bool {
		return cp.FriendRequests[i].CreatedAt.Before(cp.FriendRequests[j].CreatedAt)
	})
	return &cp
}

func (m *Memory) SetPresence(_ context.Context, userID string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Online = online
	u.LastSeen = at
	return nil
}

func (m *Memory) AddFriendRequest(_ context.Context, toID, fromID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := friendKey{to: toID, from: fromID}
	if existing, ok := m.requests[key]; ok && existing.Status != FriendRejected {
		return ErrConflict
	}
	m.requests[key] = FriendRequest{FromID: fromID, Status: FriendPending, CreatedAt: at}
	return nil
}

func (m *Memory) RespondFriendRequest(_ context.Context, toID, fromID string, accept bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := friendKey{to: toID, from: fromID}
	fr, ok := m.requests[key]
	if !ok || fr.Status != FriendPending {
		return ErrNotFound
	}
	if !accept {
		fr.Status = FriendRejected
		m.requests[key] = fr
		return nil
	}

	fr.Status = FriendAccepted
	m.requests[key] = fr
	m.befriend(toID, fromID, at)
	m.befriend(fromID, toID, at)
	return nil
}

func (m *Memory) befriend(a, b string, at time.Time) {
	if m.friends[a] == nil {
		m.friends[a] = make(map[string]time.Time)
	}
	if _, ok := m.friends[a][b]; !ok {
		m.friends[a][b] = at
	}
}

func (m *Memory) Friends(_ context.Context, userID string) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*User
	for id := range m.friends[userID] {
		if u, ok := m.users[id]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- chats and messages ---

func copyChat(c *Chat) *Chat {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		cp.UnreadCounts[k] = v
	}
	return &cp
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	cp.ReadBy = append([]ReadReceipt(nil), msg.ReadBy...)
	return &cp
}

func (m *Memory) CreateChat(_ context.Context, c *Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chats[c.ID]; ok {
		return ErrConflict
	}
	cp := copyChat(c)
	for _, p := range cp.Participants {
		cp.UnreadCounts[p] = 0
	}
	m.chats[c.ID] = cp
	return nil
}

func (m *Memory) ChatByID(_ context.Context, id string) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyChat(c), nil
}

func (m *Memory) ChatsForUser(_ context.Context, userID string) ([]*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Chat
	for _, c := range m.chats {
		if c.HasParticipant(userID) {
			out = append(out, copyChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (m *Memory) FindDirectChat(_ context.Context, a, b string) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.chats {
		if c.Type == ChatDirect && c.HasParticipant(a) && c.HasParticipant(b) {
			return copyChat(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) TouchChat(_ context.Context, chatID, messageID, senderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	c.LastMessageID = messageID
	c.LastActivity = at
	for _, p := range c.Participants {
		if p != senderID {
			c.UnreadCounts[p]++
		}
	}
	return nil
}

func (m *Memory) InsertMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chats[msg.ChatID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.messages[msg.ChatID] {
		if existing.ID == msg.ID {
			return ErrConflict
		}
	}
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], copyMessage(msg))
	return nil
}

func (m *Memory) MessagesBefore(_ context.Context, chatID string, before time.Time, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Message
	for _, msg := range m.messages[chatID] {
		if msg.CreatedAt.Before(before) {
			out = append(out, copyMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, chatID, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chats[chatID]
	if !ok || !c.HasParticipant(userID) {
		return 0, ErrNotFound
	}
	c.UnreadCounts[userID] = 0

	var marked int64
	for _, msg := range m.messages[chatID] {
		if msg.SenderID == userID {
			continue
		}
		msg.Status = StatusRead
		seen := false
		for _, rr := range msg.ReadBy {
			if rr.UserID == userID {
				seen = true
				break
			}
		}
		if !seen {
			msg.ReadBy = append(msg.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
			marked++
		}
	}
	return marked, nil
}

// --- file shares ---

func copyShare(s *FileShare) *FileShare {
	cp := *s
	cp.Downloads = append([]DownloadRecord(nil), s.Downloads...)
	return &cp
}

func (m *Memory) CreateShare(_ context.Context, s *FileShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shares[s.ID]; ok {
		return ErrConflict
	}
	if s.IsActive {
		for _, existing := range m.shares {
			if existing.IsActive && existing.ShareCode == s.ShareCode {
				return ErrConflict
			}
		}
	}
	m.shares[s.ID] = copyShare(s)
	return nil
}

func (m *Memory) ShareByCode(_ context.Context, code string) (*FileShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.shareByCode(code)
	if s == nil {
		return nil, ErrNotFound
	}
	return copyShare(s), nil
}

// shareByCode prefers the active holder of code, then the newest inactive one.
func (m *Memory) shareByCode(code string) *FileShare {
	var best *FileShare
	for _, s := range m.shares {
		if s.ShareCode != code {
			continue
		}
		switch {
		case best == nil:
			best = s
		case s.IsActive && !best.IsActive:
			best = s
		case s.IsActive == best.IsActive && s.CreatedAt.After(best.CreatedAt):
			best = s
		}
	}
	return best
}

func (m *Memory) ClaimDownload(_ context.Context, code string, rec DownloadRecord) (*FileShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.shareByCode(code)
	if s == nil || !s.CanDownload(rec.DownloadedAt) {
		return nil, ErrNotClaimable
	}
	s.DownloadCount++
	s.Downloads = append(s.Downloads, rec)
	if s.DownloadCount >= s.MaxDownloads {
		s.IsActive = false
	}
	return copyShare(s), nil
}

func (m *Memory) DeactivateShare(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shares[id]
	if !ok {
		return ErrNotFound
	}
	s.IsActive = false
	return nil
}

func (m *Memory) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.shares {
		if s.IsActive && s.Expired(now) {
			s.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *Memory) PurgeableShares(_ context.Context, cutoff time.Time, limit int) ([]*FileShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*FileShare
	for _, s := range m.shares {
		if s.ExpiresAt.Before(cutoff) {
			out = append(out, copyShare(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteShare(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shares[id]; !ok {
		return ErrNotFound
	}
	delete(m.shares, id)
	return nil
}

func (m *Memory) ShareStats(_ context.Context, now time.Time) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &Stats{}
	for _, s := range m.shares {
		stats.TotalShares++
		stats.TotalDownloads += int64(s.DownloadCount)
		if s.CanDownload(now) {
			stats.ActiveShares++
		}
		if s.IsActive && !s.Expired(now) {
			stats.StorageUsed += s.FileSize
		}
	}
	return stats, nil
}
