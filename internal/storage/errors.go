package storage

import "errors"

var (
	ErrNotFound      = errors.New("key not found")
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidData   = errors.New("invalid data")
	ErrStorageInit   = errors.New("storage initialization failed")
	ErrFileOperation = errors.New("file operation failed")
)
