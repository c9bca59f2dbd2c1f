package models

import "errors"

// Sentinel errors shared across packages.
var (
	// Validation errors
	ErrMissingVideoID   = errors.New("videoId is required")
	ErrMissingCommentID = errors.New("commentId is required")
	ErrEmptyCommentText = errors.New("comment text is required")
	ErrCommentTooLong   = errors.New("comment text too long")

	// Storage errors
	ErrVideoNotFound      = errors.New("video not found")
	ErrPreferenceNotFound = errors.New("preference not found")

	// Comment API errors
	ErrCommentNotFound = errors.New("comment not found")
	ErrUnauthorized    = errors.New("unauthorized")
)
