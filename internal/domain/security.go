package domain

import "time"

// SecurityContext is the opaque caller identity carried through a request.
// The engine never interprets it; it is passed to masking/audit as-is.
type SecurityContext struct {
	userID   string
	role     string
	issuedAt time.Time
}

// NewSecurityContext creates a security context stamped with the current time.
func NewSecurityContext(userID, role string) SecurityContext {
	return SecurityContext{userID: userID, role: role, issuedAt: time.Now().UTC()}
}

// UserID returns the caller's user identifier.
func (s SecurityContext) UserID() string { return s.userID }

// Role returns the caller's role.
func (s SecurityContext) Role() string { return s.role }

// IssuedAt returns when the context was created.
func (s SecurityContext) IssuedAt() time.Time { return s.issuedAt }

// IsZero reports whether the context carries no identity.
func (s SecurityContext) IsZero() bool { return s.userID == "" && s.role == "" }
