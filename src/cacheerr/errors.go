// Package cacheerr defines the failure taxonomy of the offline cache.
package cacheerr

import (
	"errors"
	"fmt"
)

// Kind is the category of a cache failure.
type Kind int

const (
	// TransientNetwork means a fetch failed or timed out.
	TransientNetwork Kind = iota
	// StorageQuota means the persisted medium rejected a write.
	StorageQuota
	// CorruptEntry means a stored record failed to parse or validate.
	CorruptEntry
	// Oversize means a payload exceeded the per-entry cap.
	Oversize
	// UnsupportedEnvironment means the interception backend cannot be installed.
	UnsupportedEnvironment
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient-network"
	case StorageQuota:
		return "storage-quota"
	case CorruptEntry:
		return "corrupt-entry"
	case Oversize:
		return "oversize"
	case UnsupportedEnvironment:
		return "unsupported-environment"
	default:
		return "unknown"
	}
}

// Error is a categorized cache error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a categorized error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsKind reports whether any error in err's chain is a *Error of kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
