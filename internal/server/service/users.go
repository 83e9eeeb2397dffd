package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chillchat/internal/server/database"
	"chillchat/internal/server/presence"
)

const (
	userCodePrefix   = "CHL"
	userCodeAttempts = 32
	maxNameLength    = 64
)

// PublicUser is what other users may see about an account.
type PublicUser struct {
	ID       string    `json:"id"`
	UserCode string    `json:"userCode"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// UserService manages profiles and friendships. Online status always comes
// from the presence registry.
type UserService struct {
	users    UserStore
	registry presence.Registry
	now      func() time.Time
	newCode  func() (string, error)
	log      zerolog.Logger
}

func NewUserService(users UserStore, registry presence.Registry, log zerolog.Logger) *UserService {
	return &UserService{
		users:    users,
		registry: registry,
		now:      time.Now,
		newCode:  generateUserCode,
		log:      log.With().Str("component", "users").Logger(),
	}
}

// EnsureProfile returns the caller's account, creating it with a fresh
// public user code on first sight.
func (s *UserService) EnsureProfile(ctx context.Context, userID, name string) (*database.User, error) {
	u, err := s.users.UserByID(ctx, userID)
	if err == nil {
		s.decorate(ctx, u)
		return u, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, storageErr("load user", err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = userID
	}
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}

	now := s.now().UTC()
	for attempt := 0; attempt < userCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate user code: %w", err)
		}
		u := &database.User{
			ID:        userID,
			UserCode:  code,
			Name:      name,
			LastSeen:  now,
			CreatedAt: now,
		}
		err = s.users.CreateUser(ctx, u)
		if err == nil {
			s.log.Info().Str("user_id", userID).Str("user_code", code).Msg("Profile created")
			s.decorate(ctx, u)
			return u, nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return nil, storageErr("create user", err)
		}

		// Either the code is taken or a concurrent request created the user.
		if existing, err := s.users.UserByID(ctx, userID); err == nil {
			s.decorate(ctx, existing)
			return existing, nil
		}
	}
	return nil, ErrCodeSpaceExhausted
}

// Profile returns the caller's own account.
func (s *UserService) Profile(ctx context.Context, userID string) (*database.User, error) {
	u, err := s.users.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("load user", err)
	}
	s.decorate(ctx, u)
	return u, nil
}

// Lookup finds a user by their public code.
func (s *UserService) Lookup(ctx context.Context, code string) (*PublicUser, error) {
	u, err := s.byCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.public(ctx, u), nil
}

// SendFriendRequest asks the owner of toCode to befriend fromID.
func (s *UserService) SendFriendRequest(ctx context.Context, fromID, toCode string) (*PublicUser, error) {
	target, err := s.byCode(ctx, toCode)
	if err != nil {
		return nil, err
	}
	if target.ID == fromID {
		return nil, invalid("cannot send a friend request to yourself")
	}
	for _, f := range target.Friends {
		if f == fromID {
			return nil, fmt.Errorf("%w: already friends", ErrConflict)
		}
	}

	if err := s.users.AddFriendRequest(ctx, target.ID, fromID, s.now().UTC()); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("%w: friend request already sent", ErrConflict)
		}
		return nil, storageErr("add friend request", err)
	}
	s.log.Info().Str("user_id", fromID).Str("to_user_id", target.ID).Msg("Friend request sent")
	return s.public(ctx, target), nil
}

// RespondFriendRequest accepts or rejects the pending request fromID sent
// to userID.
func (s *UserService) RespondFriendRequest(ctx context.Context, userID, fromID string, accept bool) error {
	if err := s.users.RespondFriendRequest(ctx, userID, fromID, accept, s.now().UTC()); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return storageErr("respond friend request", err)
	}
	s.log.Info().Str("user_id", userID).Str("from_user_id", fromID).Bool("accepted", accept).Msg("Friend request answered")
	return nil
}

// Friends lists userID's friends with live presence.
func (s *UserService) Friends(ctx context.Context, userID string) ([]*PublicUser, error) {
	friends, err := s.users.Friends(ctx, userID)
	if err != nil {
		return nil, storageErr("list friends", err)
	}
	out := make([]*PublicUser, 0, len(friends))
	for _, f := range friends {
		out = append(out, s.public(ctx, f))
	}
	return out, nil
}

func (s *UserService) byCode(ctx context.Context, code string) (*database.User, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, invalid("user code is required")
	}
	u, err := s.users.UserByCode(ctx, code)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("load user", err)
	}
	return u, nil
}

// decorate replaces the stored online snapshot with the registry's answer.
func (s *UserService) decorate(ctx context.Context, u *database.User) {
	online, err := s.registry.Online(ctx, u.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", u.ID).Msg("Presence lookup failed")
		return
	}
	u.Online = online
}

func (s *UserService) public(ctx context.Context, u *database.User) *PublicUser {
	s.decorate(ctx, u)
	return &PublicUser{
		ID:       u.ID,
		UserCode: u.UserCode,
		Name:     u.Name,
		Avatar:   u.Avatar,
		Online:   u.Online,
		LastSeen: u.LastSeen,
	}
}

// generateUserCode returns "CHL" followed by three digits.
func generateUserCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000))
	if err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return fmt.Sprintf("%s%03d", userCodePrefix, n.Int64()), nil
}
