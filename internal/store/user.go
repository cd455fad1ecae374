// Package store persists user accounts. Presence never touches it; the HTTP
// API uses it to resolve credentials and profiles.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrUserNotFound is returned when no account matches the lookup.
	ErrUserNotFound = errors.New("store: user not found")
	// ErrEmailTaken is returned by Create when the email is already registered.
	ErrEmailTaken = errors.New("store: email already registered")
)

// User is the stored account document.
type User struct {
	ID           string    `bson:"_id" json:"_id"`
	Email        string    `bson:"email" json:"email"`
	FullName     string    `bson:"full_name" json:"fullName"`
	ProfilePic   string    `bson:"profile_pic,omitempty" json:"profilePic"`
	Bio          string    `bson:"bio,omitempty" json:"bio"`
	PasswordHash string    `bson:"password_hash" json:"-"`
	CreatedAt    time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updatedAt"`
}

// ProfilePatch lists the profile fields a user may change. Nil fields are
// left as they are.
type ProfilePatch struct {
	FullName   *string
	Bio        *string
	ProfilePic *string
}

func (p ProfilePatch) apply(u *User) {
	if p.FullName != nil {
		u.FullName = *p.FullName
	}
	if p.Bio != nil {
		u.Bio = *p.Bio
	}
	if p.ProfilePic != nil {
		u.ProfilePic = *p.ProfilePic
	}
}

// UserStore is the CRUD surface the API needs from the document store.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdateProfile(ctx context.Context, id string, patch ProfilePatch) (*User, error)
	Close(ctx context.Context) error
}

// NormalizeEmail lowercases and trims an address so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
