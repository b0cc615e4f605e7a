package domain

import "errors"

var (
	// ErrInvalidProbability is returned when a probability is NaN or outside [0, 1].
	ErrInvalidProbability = errors.New("invalid probability")

	// ErrScoringUnavailable is returned when the scoring collaborator cannot produce a score.
	// It must never be turned into an ALLOW.
	ErrScoringUnavailable = errors.New("scoring unavailable")

	// ErrLogWriteFailed is returned when a log write is exhausted after retries.
	ErrLogWriteFailed = errors.New("transaction log write failed")

	// ErrFlagWriteFailed marks a partial write: the transaction stands but its flag does not.
	ErrFlagWriteFailed = errors.New("flag write failed")

	ErrFlagNotFound = errors.New("flag not found")
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)
