package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for the service layer.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrExpired            = errors.New("share has expired")
	ErrLimitReached       = errors.New("share download limit reached")
	ErrRevoked            = errors.New("share is no longer active")
	ErrStorage            = errors.New("storage failure")
	ErrCodeSpaceExhausted = errors.New("could not allocate a free code")
	ErrNotMember          = errors.New("not a member of this chat")
	ErrNotRegistered      = errors.New("connection is not registered")
	ErrForbidden          = errors.New("forbidden")
	ErrPasswordRequired   = errors.New("password required")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrConflict           = errors.New("already exists")
)

// Upload validation failures. All of them wrap ErrValidation.
var (
	ErrFileTooLarge  = fmt.Errorf("%w: file exceeds maximum allowed size", ErrValidation)
	ErrInvalidZip    = fmt.Errorf("%w: invalid or corrupt ZIP file", ErrValidation)
	ErrDangerousFile = fmt.Errorf("%w: file contains potentially dangerous content", ErrValidation)
	ErrEmptyFile     = fmt.Errorf("%w: file is empty", ErrValidation)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
