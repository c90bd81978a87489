package session

import (
	"time"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	PermRead  = "read"
	PermWrite = "write"
)

// Profile is the display/identity part of a session. Immutable after creation.
type Profile struct {
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func (p Profile) withDefaults(userID string) Profile {
	if p.Username == "" {
		p.Username = "user_" + userID
	}
	if p.Role == "" {
		p.Role = RoleUser
	}
	if p.Permissions == nil {
		p.Permissions = []string{PermRead, PermWrite}
	} else {
		p.Permissions = append([]string(nil), p.Permissions...)
	}
	return p
}

type Session struct {
	ID             string         `json:"sessionId"`
	UserID         string         `json:"userId"`
	Profile        Profile        `json:"userInfo"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	Active         bool           `json:"isActive"`
	ConnectionID   string         `json:"connectionId,omitempty"`
	InstanceID     string         `json:"instanceId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *Session) expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) snapshot() Session {
	out := *s
	out.Profile.Permissions = append([]string(nil), s.Profile.Permissions...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Update lists the only fields callers may change. Nil pointers leave the
// field alone; Metadata keys are merged and a nil value deletes the key.
type Update struct {
	ConnectionID *string        `json:"connectionId,omitempty"`
	InstanceID   *string        `json:"instanceId,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Member is one entry of an instance's session listing.
type Member struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Profile   Profile   `json:"userInfo"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// PermissionResult answers checkPermission.
type PermissionResult struct {
	Allowed     bool     `json:"hasPermission"`
	Role        string   `json:"userRole"`
	Permissions []string `json:"userPermissions"`
}

type Stats struct {
	Total       int            `json:"totalSessions"`
	Active      int            `json:"activeSessions"`
	InInstances int            `json:"sessionsInInstances"`
	ByInstance  map[string]int `json:"byInstance"`
	ByRole      map[string]int `json:"byRole"`
}

// Destroy reasons carried on session_destroyed.
const (
	ReasonLogout   = "logout"
	ReasonReplaced = "replaced"
	ReasonExpired  = "expired"
	ReasonAdmin    = "admin"
)
