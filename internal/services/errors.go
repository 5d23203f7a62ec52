package services

import "errors"

var (
	ErrNoTenant             = errors.New("organisation not resolved")
	ErrNoFiles              = errors.New("no files uploaded")
	ErrUnsupportedExtension = errors.New("unsupported file extension")
	ErrEmptyFile            = errors.New("empty file")
	// ErrStorageDelete keeps the database row when the object could not be removed.
	ErrStorageDelete = errors.New("storage delete failed")
	ErrEnqueue       = errors.New("could not queue processing job")
)
