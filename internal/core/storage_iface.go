package core

import "errors"

var (
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Substrate is the raw string key/value store underneath persistence.
// Get reports ok=false for a missing key; implementations return
// ErrQuotaExceeded or ErrStorageUnavailable (possibly wrapped) on failure.
type Substrate interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}
