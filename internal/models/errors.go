package models

import "errors"

// Application-wide standard errors
var (
	// Common Resource/DB Errors
	ErrNotFound      = errors.New("resource not found")
	ErrStoryNotFound = errors.New("story not found")
	ErrNodeNotFound  = errors.New("story node not found")

	// Tree store errors
	ErrAlreadyFilled = errors.New("story node is already filled") // Повторное заполнение узла - ошибка программиста/гонки

	// Generation errors (recovered per-node by the scheduler)
	ErrGenerationFailed    = errors.New("generation failed")
	ErrInsufficientChoices = errors.New("non-ending chapter has fewer than 2 choices")
	ErrParse               = errors.New("failed to parse generation response")
	ErrModerationRejected  = errors.New("content rejected by moderation")

	// Bible errors
	ErrInvalidBible = errors.New("bible must contain at least one character and a style prefix")

	// Scheduler errors
	ErrStoryLocked = errors.New("story expansion is already in progress")

	// Media errors (always soft-fail, never propagate past the media stage)
	ErrMediaQuotaExceeded = errors.New("media generation rejected: billing or quota error")

	// General Request/Server Errors
	ErrInternalServer = errors.New("internal server error")
	ErrBadRequest     = errors.New("bad request")
	ErrInvalidInput   = errors.New("invalid input data")
)
