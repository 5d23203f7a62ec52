package repository

import "errors"

var (
	ErrMediaNotFound        = errors.New("media item not found")
	ErrSurveyNotFound       = errors.New("survey not found")
	ErrOrganisationNotFound = errors.New("organisation not found")
	ErrDuplicateFilename    = errors.New("a file with this name already exists in the survey")
	ErrAlreadyProcessing    = errors.New("media item is already being processed")
	ErrAlreadyCompleted     = errors.New("media item has already been processed")
	// ErrStaleAttempt means the attempt was superseded or finished elsewhere.
	ErrStaleAttempt = errors.New("processing attempt is no longer current")
)
