package core

import (
	"errors"
	"fmt"

	"permitcore/pkg/domain"
)

// ErrNotFound is returned when a referenced entity does not exist.
type ErrNotFound struct {
	Entity domain.EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

var (
	// ErrAlreadyResolved rejects a second, unforced resolution.
	ErrAlreadyResolved = errors.New("permission request already resolved")
	// ErrReviewClosed rejects reviewer submissions once a response can no
	// longer change.
	ErrReviewClosed = errors.New("permission review closed")
	// ErrNotReviewer rejects a submission from a user who does not own the response.
	ErrNotReviewer = errors.New("user is not the assigned reviewer")
	// ErrRequestOpen rejects a second request while one is still unresolved.
	ErrRequestOpen = errors.New("permission request already open")
	// ErrInvalidDecision rejects unsupported review or resolve values.
	ErrInvalidDecision = errors.New("invalid decision")
)
