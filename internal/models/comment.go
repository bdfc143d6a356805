package models

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxCommentLength is the longest comment accepted by create_comment.
const MaxCommentLength = 200

// Comment represents a comment on a post.
type Comment struct {
	ID         string    `json:"id"`
	PostID     string    `json:"post_id"`
	Author     Principal `json:"author"`
	Content    string    `json:"content"`
	LikesCount uint64    `json:"likes_count"`
	CreatedAt  uint64    `json:"created_at"`
	Pending    bool      `json:"pending"`
}

// Key returns the cache key of the comment.
func (c Comment) Key() string { return c.ID }

// IsPending reports whether an optimistic mutation is in flight for the comment.
func (c Comment) IsPending() bool { return c.Pending }

// ValidateCommentContent checks that a comment is non-blank and within limits.
func ValidateCommentContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return NewValidationError("Comment cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxCommentLength {
		return NewValidationError(fmt.Sprintf("Comment too long (max %d characters)", MaxCommentLength))
	}
	return nil
}
