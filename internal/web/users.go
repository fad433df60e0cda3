package web

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tyemirov/tsession/internal/authkit"
	"golang.org/x/crypto/bcrypt"
)

const (
	localUserPrefix  = "local:"
	googleUserPrefix = "google:"
	defaultUserRole  = "user"
)

var (
	errInvalidSeed    = errors.New("web.users.invalid_seed")
	errEmptyPassword  = errors.New("web.users.empty_password")
	errUnknownUserID  = errors.New("web.users.unknown_user")
	errInvalidSchool  = errors.New("web.users.invalid_school")
	errDuplicateEmail = errors.New("web.users.duplicate_email")
)

type storedUser struct {
	profile      authkit.UserProfile
	passwordHash []byte
	memberships  []authkit.Membership
}

// InMemoryUsers is the user store used for local runs: password users with bcrypt
// hashes, Google users created on first sign-in, and school memberships.
type InMemoryUsers struct {
	mutex        sync.RWMutex
	users        map[string]*storedUser
	passwordCost int
}

// NewInMemoryUsers constructs an empty store.
func NewInMemoryUsers() *InMemoryUsers {
	return &InMemoryUsers{
		users:        make(map[string]*storedUser),
		passwordCost: bcrypt.DefaultCost,
	}
}

// AddPasswordUser registers a local user and returns its application user id.
func (store *InMemoryUsers) AddPasswordUser(userEmail string, password string, userDisplayName string) (string, error) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(userEmail))
	if normalizedEmail == "" || !strings.Contains(normalizedEmail, "@") {
		return "", fmt.Errorf("web.users.add: %w", errInvalidSeed)
	}
	if password == "" {
		return "", fmt.Errorf("web.users.add: %w", errEmptyPassword)
	}
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(password), store.passwordCost)
	if hashErr != nil {
		return "", fmt.Errorf("web.users.add: %w", hashErr)
	}
	if strings.TrimSpace(userDisplayName) == "" {
		userDisplayName, _, _ = strings.Cut(normalizedEmail, "@")
	}
	applicationUserID := localUserPrefix + normalizedEmail

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.users[applicationUserID]; exists {
		return "", fmt.Errorf("web.users.add: %w", errDuplicateEmail)
	}
	store.users[applicationUserID] = &storedUser{
		profile: authkit.UserProfile{
			UserID:  applicationUserID,
			Email:   normalizedEmail,
			Display: strings.TrimSpace(userDisplayName),
			Roles:   []string{defaultUserRole},
		},
		passwordHash: passwordHash,
	}
	return applicationUserID, nil
}

// AddMembership grants the user a role at a school, replacing an existing grant for the same school.
func (store *InMemoryUsers) AddMembership(applicationUserID string, membership authkit.Membership) error {
	membership.SchoolID = strings.TrimSpace(membership.SchoolID)
	if membership.SchoolID == "" {
		return fmt.Errorf("web.users.membership: %w", errInvalidSchool)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.users[applicationUserID]
	if !ok {
		return fmt.Errorf("web.users.membership: %w", errUnknownUserID)
	}
	for index := range user.memberships {
		if user.memberships[index].SchoolID == membership.SchoolID {
			user.memberships[index] = membership
			return nil
		}
	}
	user.memberships = append(user.memberships, membership)
	return nil
}

// Seed loads entries of the form email:password[:school_id:role[:school_name]]. Repeated
// e-mails add further memberships to the first entry's user.
func (store *InMemoryUsers) Seed(entries []string) error {
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 5)
		if len(parts) < 2 || len(parts) == 3 {
			return fmt.Errorf("web.users.seed %q: %w", entry, errInvalidSeed)
		}
		applicationUserID := localUserPrefix + strings.ToLower(strings.TrimSpace(parts[0]))
		store.mutex.RLock()
		_, exists := store.users[applicationUserID]
		store.mutex.RUnlock()
		if !exists {
			if _, err := store.AddPasswordUser(parts[0], parts[1], ""); err != nil {
				return err
			}
		}
		if len(parts) < 4 {
			continue
		}
		membership := authkit.Membership{SchoolID: parts[2], Role: strings.TrimSpace(parts[3])}
		membership.SchoolName = strings.TrimSpace(parts[2])
		if len(parts) == 5 && strings.TrimSpace(parts[4]) != "" {
			membership.SchoolName = strings.TrimSpace(parts[4])
		}
		if err := store.AddMembership(applicationUserID, membership); err != nil {
			return err
		}
	}
	return nil
}

// AuthenticatePassword checks the bcrypt hash of a local user.
func (store *InMemoryUsers) AuthenticatePassword(ctx context.Context, userEmail string, password string) (string, error) {
	applicationUserID := localUserPrefix + strings.ToLower(strings.TrimSpace(userEmail))
	store.mutex.RLock()
	user, ok := store.users[applicationUserID]
	store.mutex.RUnlock()
	if !ok || len(user.passwordHash) == 0 {
		return "", authkit.ErrInvalidCredentials
	}
	if compareErr := bcrypt.CompareHashAndPassword(user.passwordHash, []byte(password)); compareErr != nil {
		return "", authkit.ErrInvalidCredentials
	}
	return applicationUserID, nil
}

// UpsertGoogleUser inserts or updates a user based on Google sub, keeping memberships.
func (store *InMemoryUsers) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (string, []string, error) {
	applicationUserID := googleUserPrefix + googleSub
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.users[applicationUserID]
	if !ok {
		user = &storedUser{profile: authkit.UserProfile{UserID: applicationUserID, Roles: []string{defaultUserRole}}}
		store.users[applicationUserID] = user
	}
	user.profile.Email = userEmail
	user.profile.Display = userDisplayName
	return applicationUserID, append([]string(nil), user.profile.Roles...), nil
}

// GetUserProfile returns a profile by application user id.
func (store *InMemoryUsers) GetUserProfile(ctx context.Context, applicationUserID string) (authkit.UserProfile, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	user, ok := store.users[applicationUserID]
	if !ok {
		return authkit.UserProfile{}, authkit.ErrUserNotFound
	}
	profile := user.profile
	profile.Roles = append([]string(nil), profile.Roles...)
	return profile, nil
}

// ListMemberships returns a copy of the user's school memberships.
func (store *InMemoryUsers) ListMemberships(ctx context.Context, applicationUserID string) ([]authkit.Membership, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	user, ok := store.users[applicationUserID]
	if !ok {
		return nil, authkit.ErrUserNotFound
	}
	return append([]authkit.Membership(nil), user.memberships...), nil
}
