package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const chatSelect = `
	SELECT c.id, c.type, COALESCE(c.name, ''), COALESCE(c.admin_id, ''),
	       COALESCE(c.last_message_id, ''), c.last_activity, c.created_at,
	       array_agg(p.user_id ORDER BY p.user_id),
	       array_agg(p.unread_count ORDER BY p.user_id)
	FROM chats c
	JOIN chat_participants p ON p.chat_id = c.id`

func scanChat(row pgx.Row) (*Chat, error) {
	c := &Chat{}
	var (
		participants []string
		unread       []int32
	)
	if err := row.Scan(
		&c.ID,
		&c.Type,
		&c.Name,
		&c.AdminID,
		&c.LastMessageID,
		&c.LastActivity,
		&c.CreatedAt,
		&participants,
		&unread,
	); err != nil {
		return nil, err
	}
	c.Participants = participants
	c.UnreadCounts = make(map[string]int, len(participants))
	for i, p := range participants {
		c.UnreadCounts[p] = int(unread[i])
	}
	return c, nil
}

// CreateChat inserts a chat together with its participant rows.
func (r *Repository) CreateChat(ctx context.Context, c *Chat) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin chat insert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO chats (id, type, name, admin_id, last_activity, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
	`, c.ID, c.Type, c.Name, c.AdminID, c.LastActivity, c.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create chat: %w", err)
	}

	for _, p := range c.Participants {
		if _, err := tx.Exec(ctx,
			"INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2)",
			c.ID, p); err != nil {
			return fmt.Errorf("failed to add participant %s: %w", p, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chat insert: %w", err)
	}
	return nil
}

// ChatByID retrieves a chat with its participants and unread counters.
func (r *Repository) ChatByID(ctx context.Context, id string) (*Chat, error) {
	c, err := scanChat(r.db.Pool.QueryRow(ctx, chatSelect+`
		WHERE c.id = $1
		GROUP BY c.id
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return c, nil
}

// ChatsForUser lists the chats userID participates in, most recent first.
func (r *Repository) ChatsForUser(ctx context.Context, userID string) ([]*Chat, error) {
	rows, err := r.db.Pool.Query(ctx, chatSelect+`
		WHERE c.id IN (SELECT chat_id FROM chat_participants WHERE user_id = $1)
		GROUP BY c.id
		ORDER BY c.last_activity DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// FindDirectChat returns the direct chat between a and b.
func (r *Repository) FindDirectChat(ctx context.Context, a, b string) (*Chat, error) {
	var id string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT c.id FROM chats c
		WHERE c.type = 'direct'
		  AND EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = c.id AND user_id = $1)
		  AND EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = c.id AND user_id = $2)
		LIMIT 1
	`, a, b).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find direct chat: %w", err)
	}
	return r.ChatByID(ctx, id)
}

// TouchChat points the chat at its newest message and bumps the unread
// counter of every participant except the sender.
func (r *Repository) TouchChat(ctx context.Context, chatID, messageID, senderID string, at time.Time) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin chat touch: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE chats SET last_message_id = $2, last_activity = $3 WHERE id = $1
	`, chatID, messageID, at)
	if err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		UPDATE chat_participants SET unread_count = unread_count + 1
		WHERE chat_id = $1 AND user_id <> $2
	`, chatID, senderID); err != nil {
		return fmt.Errorf("failed to bump unread counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chat touch: %w", err)
	}
	return nil
}

const messageColumns = `
	id, chat_id, sender_id, type, COALESCE(content, ''), COALESCE(file_url, ''),
	COALESCE(file_name, ''), COALESCE(file_size, 0), COALESCE(duration, 0),
	status, COALESCE(reply_to, ''), edited_at, created_at`

// InsertMessage persists a new message.
func (r *Repository) InsertMessage(ctx context.Context, m *Message) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO messages (
			id, chat_id, sender_id, type, content, file_url, file_name,
			file_size, duration, status, reply_to, created_at
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
			NULLIF($8, 0), NULLIF($9, 0), $10, NULLIF($11, ''), $12
		)
	`,
		m.ID,
		m.ChatID,
		m.SenderID,
		m.Type,
		m.Content,
		m.FileURL,
		m.FileName,
		m.FileSize,
		m.Duration,
		m.Status,
		m.ReplyTo,
		m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// MessagesBefore pages a chat's history backwards from before, newest first.
func (r *Repository) MessagesBefore(ctx context.Context, chatID string, before time.Time, limit int) ([]*Message, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, chatID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var (
		msgs []*Message
		ids  []string
		byID = make(map[string]*Message)
	)
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(
			&m.ID,
			&m.ChatID,
			&m.SenderID,
			&m.Type,
			&m.Content,
			&m.FileURL,
			&m.FileName,
			&m.FileSize,
			&m.Duration,
			&m.Status,
			&m.ReplyTo,
			&m.EditedAt,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return msgs, nil
	}

	receipts, err := r.db.Pool.Query(ctx, `
		SELECT message_id, user_id, read_at FROM message_reads
		WHERE message_id = ANY($1)
		ORDER BY read_at
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query read receipts: %w", err)
	}
	defer receipts.Close()

	for receipts.Next() {
		var (
			messageID string
			rr        ReadReceipt
		)
		if err := receipts.Scan(&messageID, &rr.UserID, &rr.ReadAt); err != nil {
			return nil, fmt.Errorf("failed to scan read receipt: %w", err)
		}
		if m, ok := byID[messageID]; ok {
			m.ReadBy = append(m.ReadBy, rr)
		}
	}
	return msgs, receipts.Err()
}

// MarkRead resets userID's unread counter in the chat and records a read
// receipt on every message sent by someone else.
func (r *Repository) MarkRead(ctx context.Context, chatID, userID string, at time.Time) (int64, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin mark read: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE chat_participants SET unread_count = 0
		WHERE chat_id = $1 AND user_id = $2
	`, chatID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset unread counter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}

	tag, err = tx.Exec(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT id, $2, $3 FROM messages
		WHERE chat_id = $1 AND sender_id <> $2
		ON CONFLICT DO NOTHING
	`, chatID, userID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to record read receipts: %w", err)
	}
	marked := tag.RowsAffected()

	if _, err := tx.Exec(ctx, `
		UPDATE messages SET status = 'read'
		WHERE chat_id = $1 AND sender_id <> $2 AND status <> 'read'
	`, chatID, userID); err != nil {
		return 0, fmt.Errorf("failed to update message status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit mark read: %w", err)
	}
	return marked, nil
}
