package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const userColumns = `
	id, user_code, name, COALESCE(email, ''), COALESCE(avatar, ''),
	online, last_seen, created_at`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	if err := row.Scan(
		&u.ID,
		&u.UserCode,
		&u.Name,
		&u.Email,
		&u.Avatar,
		&u.Online,
		&u.LastSeen,
		&u.CreatedAt,
	); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser inserts a user. A taken id or user code yields ErrConflict.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO users (id, user_code, name, email, avatar, online, last_seen, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
	`, u.ID, u.UserCode, u.Name, u.Email, u.Avatar, u.Online, u.LastSeen, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *Repository) UserByID(ctx context.Context, id string) (*User, error) {
	return r.userWhere(ctx, "id = $1", id)
}

func (r *Repository) UserByCode(ctx context.Context, code string) (*User, error) {
	return r.userWhere(ctx, "user_code = $1", code)
}

func (r *Repository) userWhere(ctx context.Context, cond string, arg string) (*User, error) {
	u, err := scanUser(r.db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE "+cond, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx,
		"SELECT friend_id FROM friendships WHERE user_id = $1 ORDER BY created_at", u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query friends: %w", err)
	}
	u.Friends, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan friends: %w", err)
	}

	rows, err = r.db.Pool.Query(ctx, `
		SELECT from_id, status, created_at FROM friend_requests
		WHERE to_id = $1 AND status = 'pending'
		ORDER BY created_at
	`, u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query friend requests: %w", err)
	}
	u.FriendRequests, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (FriendRequest, error) {
		var fr FriendRequest
		err := row.Scan(&fr.FromID, &fr.Status, &fr.CreatedAt)
		return fr, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan friend requests: %w", err)
	}
	return u, nil
}

// SetPresence stores the online snapshot and last-seen time of a user.
func (r *Repository) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE users SET online = $2, last_seen = $3 WHERE id = $1", userID, online, at)
	if err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddFriendRequest records a pending request from fromID to toID. A request
// that is already pending or accepted yields ErrConflict; a rejected one is
// reopened.
func (r *Repository) AddFriendRequest(ctx context.Context, toID, fromID string, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO friend_requests (to_id, from_id, status, created_at)
		VALUES ($1, $2, 'pending', $3)
		ON CONFLICT (to_id, from_id) DO UPDATE
		SET status = 'pending', created_at = EXCLUDED.created_at
		WHERE friend_requests.status = 'rejected'
	`, toID, fromID, at)
	if err != nil {
		return fmt.Errorf("failed to add friend request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// RespondFriendRequest resolves a pending request. Accepting creates the
// friendship in both directions.
func (r *Repository) RespondFriendRequest(ctx context.Context, toID, fromID string, accept bool, at time.Time) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin friend response: %w", err)
	}
	defer tx.Rollback(ctx)

	status := FriendRejected
	if accept {
		status = FriendAccepted
	}

	tag, err := tx.Exec(ctx, `
		UPDATE friend_requests SET status = $3
		WHERE to_id = $1 AND from_id = $2 AND status = 'pending'
	`, toID, fromID, status)
	if err != nil {
		return fmt.Errorf("failed to update friend request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if accept {
		if _, err := tx.Exec(ctx, `
			INSERT INTO friendships (user_id, friend_id, created_at)
			VALUES ($1, $2, $3), ($2, $1, $3)
			ON CONFLICT DO NOTHING
		`, toID, fromID, at); err != nil {
			return fmt.Errorf("failed to create friendship: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit friend response: %w", err)
	}
	return nil
}

// Friends lists the users befriended by userID.
func (r *Repository) Friends(ctx context.Context, userID string) ([]*User, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT u.id, u.user_code, u.name, COALESCE(u.email, ''), COALESCE(u.avatar, ''),
		       u.online, u.last_seen, u.created_at
		FROM friendships f JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = $1
		ORDER BY u.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query friends: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan friend: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
