// Package models contains data structures for the application's domain models.
package models

import (
	"fmt"
	"unicode/utf8"
)

const (
	// E8sPerICP is the number of e8s in one display unit.
	E8sPerICP = 100_000_000
	// MaxBioLength is the longest bio accepted by update_user.
	MaxBioLength = 160
)

// UserProfile represents a user of the remote actor. Timestamps are nanoseconds.
type UserProfile struct {
	ID             Principal `json:"id"`
	Username       string    `json:"username"`
	Bio            string    `json:"bio"`
	AvatarURL      string    `json:"avatar_url"`
	FollowersCount uint64    `json:"followers_count"`
	FollowingCount uint64    `json:"following_count"`
	PostsCount     uint64    `json:"posts_count"`
	Balance        uint64    `json:"balance"`
	CreatedAt      uint64    `json:"created_at"`
	UpdatedAt      uint64    `json:"updated_at"`
}

// Key returns the cache key of the profile.
func (u UserProfile) Key() string { return string(u.ID) }

// ValidateBio checks the bio length limit.
func ValidateBio(bio string) error {
	if utf8.RuneCountInString(bio) > MaxBioLength {
		return NewValidationError(fmt.Sprintf("Bio too long (max %d characters)", MaxBioLength))
	}
	return nil
}

// FormatE8s renders an e8s amount in display units with two decimals.
func FormatE8s(e8s uint64) string {
	whole := e8s / E8sPerICP
	cents := (e8s % E8sPerICP) / (E8sPerICP / 100)
	return fmt.Sprintf("%d.%02d", whole, cents)
}
