package lock

import (
	"fmt"
	"strings"
	"time"

	"PPCollab/tools/errs"
)

type Mode string

const (
	Exclusive Mode = "exclusive"
	Shared    Mode = "shared"
)

// ParseMode accepts "exclusive" and "shared"; empty means exclusive.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Exclusive:
		return Exclusive, nil
	case Shared:
		return Shared, nil
	default:
		return "", errs.ErrInvalidArgument.WithDetail(fmt.Sprintf("unknown lock mode %q", s))
	}
}

// compatible: shared only with shared, exclusive with nothing.
func compatible(held, requested Mode) bool {
	return held == Shared && requested == Shared
}

// Lock is one holder's grant on a resource.
type Lock struct {
	ID         string         `json:"lockId"`
	ResourceID string         `json:"resourceId"`
	UserID     string         `json:"userId"`
	Mode       Mode           `json:"mode"`
	CreatedAt  time.Time      `json:"createdAt"`
	RenewedAt  time.Time      `json:"renewedAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (l *Lock) expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

func (l *Lock) snapshot() Lock {
	out := *l
	if l.Metadata != nil {
		out.Metadata = make(map[string]any, len(l.Metadata))
		for k, v := range l.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Grant is the result of a successful RequestLock.
type Grant struct {
	Lock    Lock `json:"lock"`
	Renewed bool `json:"renewed"`
}

// ConflictError reports who holds a resource so a client can show
// "being edited by X until T". It matches errs.ErrResourceLocked.
type ConflictError struct {
	ResourceID string    `json:"resourceId"`
	LockedBy   string    `json:"lockedBy"`
	Holders    []string  `json:"holders"`
	Mode       Mode      `json:"mode"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s held %s by %s until %s",
		errs.ErrResourceLocked.Code, e.ResourceID, e.Mode, e.LockedBy, e.ExpiresAt.Format(time.RFC3339))
}

// Details is the 409 response body.
func (e *ConflictError) Details() any { return e }

func (e *ConflictError) Unwrap() error {
	return errs.ErrResourceLocked.WithDetail("locked by " + e.LockedBy)
}

// Status answers checkLockStatus.
type Status struct {
	ResourceID string    `json:"resourceId"`
	Locked     bool      `json:"locked"`
	Available  bool      `json:"available"`
	Mode       Mode      `json:"mode,omitempty"`
	Holders    []Lock    `json:"holders,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

type Stats struct {
	Total     int `json:"totalLocks"`
	Exclusive int `json:"exclusiveLocks"`
	Shared    int `json:"sharedLocks"`
	Resources int `json:"lockedResources"`
	Users     int `json:"usersWithLocks"`
}
