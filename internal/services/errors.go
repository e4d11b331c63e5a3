package services

import (
	"errors"

	"couple-sync/internal/remotestore"
)

var (
	ErrEmptyMessage       = errors.New("message is empty")
	ErrEmptyEntry         = errors.New("journal entry is empty")
	ErrEmptyImage         = errors.New("image reference is empty")
	ErrImageTooLarge      = errors.New("image is too large")
	ErrUnsupportedImage   = errors.New("unsupported image type")
	ErrNoCouple           = errors.New("user is not in a couple")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCode        = errors.New("partner code must be 6 characters")
	ErrAlreadyPaired      = errors.New("user is already in a couple")
	ErrSelfPair           = errors.New("cannot pair with yourself")
	ErrTokenRevoked       = errors.New("token revoked")

	// ErrForbidden and ErrNotFound are the store's errors so a rejection
	// raised locally and one returned by the gateway compare equal
	ErrForbidden = remotestore.ErrForbidden
	ErrNotFound  = remotestore.ErrNotFound
)
