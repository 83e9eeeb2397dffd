package database

import "time"

type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVoice MessageType = "voice"
	MessageFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVoice, MessageFile:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

type FriendRequestStatus string

const (
	FriendPending  FriendRequestStatus = "pending"
	FriendAccepted FriendRequestStatus = "accepted"
	FriendRejected FriendRequestStatus = "rejected"
)

// User is a chat account. Online and LastSeen are a persisted snapshot of
// presence; the live registry is authoritative.
type User struct {
	ID             string          `json:"id"`
	UserCode       string          `json:"userCode"`
	Name           string          `json:"name"`
	Email          string          `json:"email,omitempty"`
	Avatar         string          `json:"avatar,omitempty"`
	Online         bool            `json:"online"`
	LastSeen       time.Time       `json:"lastSeen"`
	Friends        []string        `json:"friends"`
	FriendRequests []FriendRequest `json:"friendRequests"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type FriendRequest struct {
	FromID    string              `json:"from"`
	Status    FriendRequestStatus `json:"status"`
	CreatedAt time.Time           `json:"createdAt"`
}

type Chat struct {
	ID            string         `json:"id"`
	Type          ChatType       `json:"type"`
	Name          string         `json:"name,omitempty"`
	AdminID       string         `json:"admin,omitempty"`
	Participants  []string       `json:"participants"`
	LastMessageID string         `json:"lastMessage,omitempty"`
	LastActivity  time.Time      `json:"lastActivity"`
	UnreadCounts  map[string]int `json:"unreadCounts"`
	CreatedAt     time.Time      `json:"createdAt"`
}

func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message is immutable after insert apart from Status, ReadBy and EditedAt.
type Message struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	SenderID  string        `json:"senderId"`
	Type      MessageType   `json:"type"`
	Content   string        `json:"content,omitempty"`
	FileURL   string        `json:"fileUrl,omitempty"`
	FileName  string        `json:"fileName,omitempty"`
	FileSize  int64         `json:"fileSize,omitempty"`
	Duration  int           `json:"duration,omitempty"`
	Status    MessageStatus `json:"status"`
	ReadBy    []ReadReceipt `json:"readBy"`
	ReplyTo   string        `json:"replyTo,omitempty"`
	EditedAt  *time.Time    `json:"editedAt,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

type DownloadRecord struct {
	UserID       string    `json:"userId,omitempty"`
	DownloadedAt time.Time `json:"downloadedAt"`
	IPAddress    string    `json:"ipAddress"`
}

// FileShare is a time- and count-limited download grant for one stored file.
type FileShare struct {
	ID            string
	ShareCode     string
	UploaderID    string
	FileName      string
	OriginalName  string
	FileSize      int64
	ObjectKey     string
	MimeType      string
	PasswordHash  *string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	DownloadCount int
	MaxDownloads  int
	Downloads     []DownloadRecord
	IsActive      bool
}

// CanDownload reports whether the share may be downloaded at now. Expiry is
// evaluated here, so a share past ExpiresAt is refused even while IsActive
// has not been cleared yet.
func (s *FileShare) CanDownload(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt) && s.DownloadCount < s.MaxDownloads
}

func (s *FileShare) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *FileShare) Exhausted() bool {
	return s.DownloadCount >= s.MaxDownloads
}

// Stats holds aggregate share statistics.
type Stats struct {
	TotalShares    int64 `json:"totalShares"`
	ActiveShares   int64 `json:"activeShares"`
	TotalDownloads int64 `json:"totalDownloads"`
	StorageUsed    int64 `json:"storageUsed"`
}
