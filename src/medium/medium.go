// Package medium provides the synchronous, text-keyed storage medium the
// byte store persists into.
package medium

import "errors"

// ErrQuotaExceeded is returned when a write would exceed the medium's quota.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Medium is a persisted string-to-string mapping scoped to one origin.
type Medium interface {
	GetItem(key string) (value string, ok bool, err error)
	SetItem(key, value string) error
	RemoveItem(key string) error
	Keys() ([]string, error)
}
