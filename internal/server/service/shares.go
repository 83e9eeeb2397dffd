package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"chillchat/internal/server/config"
	"chillchat/internal/server/database"
	"chillchat/internal/server/storage"
)

const (
	shareCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	shareCodeLength   = 6

	// maxDownloadsCap bounds what an uploader may ask for.
	maxDownloadsCap = 100

	zipContentType = "application/zip"
)

// dangerousExtensions are file extensions that are blocked inside uploaded ZIPs.
var dangerousExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true,
	".scr": true, ".pif": true, ".vbs": true, ".vbe": true,
	".wsf": true, ".wsh": true, ".msi": true, ".hta": true,
	".lnk": true, ".cpl": true, ".inf": true, ".reg": true,
}

// UploadRequest describes an incoming share upload.
type UploadRequest struct {
	UploaderID   string
	FileName     string
	Data         io.Reader
	Size         int64
	Password     string
	MaxDownloads int
}

// IssuedShare is returned after a successful upload.
type IssuedShare struct {
	ShareCode    string    `json:"shareCode"`
	ExpiresAt    time.Time `json:"expiresAt"`
	MaxDownloads int       `json:"maxDownloads"`
	FileName     string    `json:"fileName"`
	Size         int64     `json:"size"`
	// OriginalSize is the total uncompressed size of the ZIP entries.
	OriginalSize int64 `json:"originalSize"`
}

// ShareInfo is returned for metadata queries.
type ShareInfo struct {
	ShareCode          string    `json:"shareCode"`
	FileName           string    `json:"fileName"`
	FileSize           int64     `json:"fileSize"`
	MimeType           string    `json:"mimeType"`
	UploaderID         string    `json:"uploaderId"`
	CreatedAt          time.Time `json:"createdAt"`
	ExpiresAt          time.Time `json:"expiresAt"`
	DownloadCount      int       `json:"downloadCount"`
	MaxDownloads       int       `json:"maxDownloads"`
	RemainingDownloads int       `json:"remainingDownloads"`
	IsActive           bool      `json:"isActive"`
	CanDownload        bool      `json:"canDownload"`
	HasPassword        bool      `json:"hasPassword"`
}

// Download is a claimed download: where to fetch the bytes and what to call
// the file.
type Download struct {
	Location storage.Location
	FileName string
	Share    *database.FileShare
}

// ShareService issues and retires time- and count-limited share codes.
type ShareService struct {
	repo    ShareStore
	store   storage.Store
	cfg     config.ShareConfig
	now     func() time.Time
	newCode func() (string, error)
	log     zerolog.Logger
}

func NewShareService(repo ShareStore, store storage.Store, cfg config.ShareConfig, log zerolog.Logger) *ShareService {
	return &ShareService{
		repo:    repo,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		newCode: func() (string, error) { return generateCode(shareCodeAlphabet, shareCodeLength) },
		log:     log.With().Str("component", "shares").Logger(),
	}
}

// IssueShare validates the ZIP, stores its bytes and records a share under a
// fresh code that no active share holds.
func (s *ShareService) IssueShare(ctx context.Context, req UploadRequest) (*IssuedShare, error) {
	if req.Size > s.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}

	maxDownloads := req.MaxDownloads
	if maxDownloads <= 0 {
		maxDownloads = s.cfg.MaxDownloads
	}
	if maxDownloads > maxDownloadsCap {
		return nil, invalid("maxDownloads must be at most %d", maxDownloadsCap)
	}

	// Read one byte past the limit so oversize bodies with a lying size are caught.
	data, err := io.ReadAll(io.LimitReader(req.Data, s.cfg.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload data: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	if err := validateZipMagicBytes(data); err != nil {
		return nil, err
	}
	originalSize, err := validateAndMeasureZip(data)
	if err != nil {
		return nil, err
	}

	var passwordHash *string
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		h := string(hash)
		passwordHash = &h
	}

	id := uuid.NewString()
	stored, err := s.store.Save(ctx, id, bytes.NewReader(data), int64(len(data)), zipContentType)
	if err != nil {
		return nil, storageErr("store object", err)
	}

	name := sanitizeFilename(req.FileName)
	now := s.now().UTC()
	share := &database.FileShare{
		ID:           id,
		UploaderID:   req.UploaderID,
		FileName:     name,
		OriginalName: name,
		FileSize:     stored,
		ObjectKey:    id,
		MimeType:     zipContentType,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.Window),
		MaxDownloads: maxDownloads,
		IsActive:     true,
	}

	if err := s.insertWithFreshCode(ctx, share); err != nil {
		if delErr := s.store.Delete(ctx, id); delErr != nil {
			s.log.Error().Err(delErr).Str("object_key", id).Msg("Failed to clean up stored object")
		}
		return nil, err
	}

	s.log.Info().
		Str("share_code", share.ShareCode).
		Str("user_id", req.UploaderID).
		Str("file_name", name).
		Int64("size", stored).
		Int64("original_size", originalSize).
		Time("expires_at", share.ExpiresAt).
		Msg("Share issued")

	return &IssuedShare{
		ShareCode:    share.ShareCode,
		ExpiresAt:    share.ExpiresAt,
		MaxDownloads: share.MaxDownloads,
		FileName:     share.FileName,
		Size:         stored,
		OriginalSize: originalSize,
	}, nil
}

// insertWithFreshCode draws codes until the repository accepts one. The
// repository's uniqueness check on active codes is what makes a code free,
// so two concurrent issuers can never both hold the same code.
func (s *ShareService) insertWithFreshCode(ctx context.Context, share *database.FileShare) error {
	for attempt := 0; attempt < s.cfg.CodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return fmt.Errorf("failed to generate share code: %w", err)
		}
		share.ShareCode = code

		err = s.repo.CreateShare(ctx, share)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return storageErr("create share", err)
		}
		s.log.Debug().Str("share_code", code).Int("attempt", attempt+1).Msg("Share code collision")
	}
	return ErrCodeSpaceExhausted
}

// Info returns share metadata, including whether it can be downloaded now.
func (s *ShareService) Info(ctx context.Context, code string) (*ShareInfo, error) {
	share, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	now := s.now()
	remaining := share.MaxDownloads - share.DownloadCount
	if remaining < 0 || !share.CanDownload(now) {
		remaining = 0
	}
	return &ShareInfo{
		ShareCode:          share.ShareCode,
		FileName:           share.FileName,
		FileSize:           share.FileSize,
		MimeType:           share.MimeType,
		UploaderID:         share.UploaderID,
		CreatedAt:          share.CreatedAt,
		ExpiresAt:          share.ExpiresAt,
		DownloadCount:      share.DownloadCount,
		MaxDownloads:       share.MaxDownloads,
		RemainingDownloads: remaining,
		IsActive:           share.IsActive && !share.Expired(now),
		CanDownload:        share.CanDownload(now),
		HasPassword:        share.PasswordHash != nil,
	}, nil
}

// CanDownload reports whether the share behind code may be downloaded now.
func (s *ShareService) CanDownload(ctx context.Context, code string) (bool, error) {
	share, err := s.lookup(ctx, code)
	if err != nil {
		return false, err
	}
	return share.CanDownload(s.now()), nil
}

// RecordDownload atomically takes one download from the share. When the
// share cannot be claimed nothing is mutated and the reason is returned as
// ErrNotFound, ErrExpired, ErrLimitReached or ErrRevoked.
func (s *ShareService) RecordDownload(ctx context.Context, code, downloaderID, ip string) (*database.FileShare, error) {
	now := s.now().UTC()
	share, err := s.repo.ClaimDownload(ctx, code, database.DownloadRecord{
		UserID:       downloaderID,
		DownloadedAt: now,
		IPAddress:    ip,
	})
	if err == nil {
		s.log.Info().
			Str("share_code", code).
			Str("user_id", downloaderID).
			Int("download_count", share.DownloadCount).
			Int("max_downloads", share.MaxDownloads).
			Msg("Share downloaded")
		return share, nil
	}
	if !errors.Is(err, database.ErrNotClaimable) {
		return nil, storageErr("claim download", err)
	}

	current, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	return nil, refusal(current, now)
}

// Download checks the password, resolves the stored bytes and claims one
// download. The claim happens last so a failed lookup never burns a
// download.
func (s *ShareService) Download(ctx context.Context, code, password, downloaderID, ip string) (*Download, error) {
	share, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if !share.CanDownload(s.now()) {
		return nil, refusal(share, s.now())
	}

	if share.PasswordHash != nil {
		if password == "" {
			return nil, ErrPasswordRequired
		}
		if err := bcrypt.CompareHashAndPassword([]byte(*share.PasswordHash), []byte(password)); err != nil {
			return nil, ErrInvalidPassword
		}
	}

	loc, err := s.store.Resolve(ctx, share.ObjectKey, share.OriginalName)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrRevoked
		}
		return nil, storageErr("resolve object", err)
	}

	claimed, err := s.RecordDownload(ctx, share.ShareCode, downloaderID, ip)
	if err != nil {
		return nil, err
	}
	return &Download{Location: loc, FileName: claimed.OriginalName, Share: claimed}, nil
}

// Revoke deactivates a share before its window closes. Only the uploader may
// revoke it.
func (s *ShareService) Revoke(ctx context.Context, code, userID string) error {
	share, err := s.lookup(ctx, code)
	if err != nil {
		return err
	}
	if share.UploaderID != userID {
		return ErrForbidden
	}
	if !share.IsActive {
		return ErrRevoked
	}

	if err := s.repo.DeactivateShare(ctx, share.ID); err != nil {
		return storageErr("deactivate share", err)
	}
	if err := s.store.Delete(ctx, share.ObjectKey); err != nil {
		s.log.Error().Err(err).Str("share_code", code).Msg("Failed to delete revoked share object")
	}

	s.log.Info().Str("share_code", code).Str("user_id", userID).Msg("Share revoked")
	return nil
}

// Stats returns aggregate share statistics.
func (s *ShareService) Stats(ctx context.Context) (*database.Stats, error) {
	stats, err := s.repo.ShareStats(ctx, s.now().UTC())
	if err != nil {
		return nil, storageErr("share stats", err)
	}
	return stats, nil
}

func (s *ShareService) lookup(ctx context.Context, code string) (*database.FileShare, error) {
	code = normalizeCode(code)
	if len(code) != shareCodeLength {
		return nil, ErrNotFound
	}
	share, err := s.repo.ShareByCode(ctx, code)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("load share", err)
	}
	return share, nil
}

// refusal explains why share cannot be downloaded at now.
func refusal(share *database.FileShare, now time.Time) error {
	switch {
	case share.Expired(now):
		return ErrExpired
	case share.Exhausted():
		return ErrLimitReached
	case !share.IsActive:
		return ErrRevoked
	default:
		// Claimable again by the time we looked: another holder of the
		// code appeared. Report the loss the caller actually saw.
		return ErrLimitReached
	}
}

// --- Helpers ---

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// generateCode draws length characters from alphabet with crypto/rand.
func generateCode(alphabet string, length int) (string, error) {
	result := make([]byte, length)
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = alphabet[n.Int64()]
	}
	return string(result), nil
}

// validateZipMagicBytes checks that data starts with the ZIP magic number (PK\x03\x04).
func validateZipMagicBytes(data []byte) error {
	if len(data) < 4 {
		return ErrInvalidZip
	}
	// PK\x03\x04 starts a local file header, PK\x05\x06 an empty archive.
	if data[0] == 0x50 && data[1] == 0x4B {
		if (data[2] == 0x03 && data[3] == 0x04) ||
			(data[2] == 0x05 && data[3] == 0x06) {
			return nil
		}
	}
	return ErrInvalidZip
}

// validateAndMeasureZip opens the ZIP, scans for dangerous extensions,
// and returns the total uncompressed size of all entries.
func validateAndMeasureZip(data []byte) (int64, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidZip, err)
	}

	var total int64
	for _, f := range reader.File {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if dangerousExtensions[ext] {
			return 0, fmt.Errorf("%w: blocked extension %s in %s", ErrDangerousFile, ext, f.Name)
		}
		total += int64(f.UncompressedSize64)
	}
	return total, nil
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// filepath.Base is platform-specific, so normalize backslashes first.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}
	if name == "" || name == "." || name == "/" {
		name = "share.zip"
	}
	return name
}
