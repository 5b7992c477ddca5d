package lyrics

import "errors"

// Customer-facing approval errors. None of them is retried.
var (
	ErrInvalidToken            = errors.New("invalid approval token")
	ErrExpired                 = errors.New("approval expired")
	ErrAlreadyProcessed        = errors.New("approval already processed")
	ErrRegenerationCapExceeded = errors.New("regeneration cap exceeded")
)
