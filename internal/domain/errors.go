package domain

import "errors"

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrAlreadyTerminal   = errors.New("job already terminal")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrCredentialExpired = errors.New("credential expired")
	ErrCredentialMissing = errors.New("credential missing")
	ErrUnknownModel      = errors.New("unknown model")
	ErrInvalidAllocation = errors.New("allocation does not sum to daily budget")
	ErrStreamClosed      = errors.New("event stream closed")
)
