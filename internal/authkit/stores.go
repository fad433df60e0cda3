package authkit

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredentials indicates an unknown e-mail or a wrong password.
	ErrInvalidCredentials = errors.New("auth.users.invalid_credentials")
	// ErrUserNotFound indicates no user matches the application user id.
	ErrUserNotFound = errors.New("auth.users.not_found")
)

// UserProfile is the identity part of an application user.
type UserProfile struct {
	UserID  string
	Email   string
	Display string
	Roles   []string
}

// Membership binds a user to a school with a role.
type Membership struct {
	SchoolID   string `json:"school_id"`
	SchoolName string `json:"school_name"`
	Role       string `json:"role"`
	Icon       string `json:"icon,omitempty"`
}

// UserStore persists and retrieves application users and their school memberships.
type UserStore interface {
	AuthenticatePassword(ctx context.Context, userEmail string, password string) (applicationUserID string, err error)
	UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (applicationUserID string, userRoles []string, err error)
	GetUserProfile(ctx context.Context, applicationUserID string) (UserProfile, error)
	ListMemberships(ctx context.Context, applicationUserID string) ([]Membership, error)
}

// RefreshTokenStore manages long-lived, rotating refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (applicationUserID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}
