package models

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxPostLength is the longest post body accepted by create_post.
const MaxPostLength = 280

// Post is a feed entry. LikedByCurrentUser and Pending are maintained by the
// client and never sent back to the remote actor. LikeStateKnown is false when
// the remote response carried no like-membership signal for the caller.
type Post struct {
	ID                 string    `json:"id"`
	Author             Principal `json:"author"`
	Content            string    `json:"content"`
	MediaURL           *string   `json:"media_url,omitempty"`
	LikesCount         uint64    `json:"likes_count"`
	CommentsCount      uint64    `json:"comments_count"`
	SharesCount        uint64    `json:"shares_count"`
	LikedByCurrentUser bool      `json:"liked_by_current_user"`
	IsShared           bool      `json:"is_shared"`
	OriginalPostID     *string   `json:"original_post_id,omitempty"`
	ShareComment       *string   `json:"share_comment,omitempty"`
	CreatedAt          uint64    `json:"created_at"`
	UpdatedAt          uint64    `json:"updated_at"`
	Pending            bool      `json:"pending"`
	LikeStateKnown     bool      `json:"-"`
}

// Key returns the cache key of the post.
func (p Post) Key() string { return p.ID }

// IsPending reports whether an optimistic mutation is in flight for the post.
func (p Post) IsPending() bool { return p.Pending }

// ValidatePostContent mirrors the remote's content rules so obviously bad posts
// never reach the network.
func ValidatePostContent(content string, mediaURL *string) error {
	if strings.TrimSpace(content) == "" && (mediaURL == nil || strings.TrimSpace(*mediaURL) == "") {
		return NewValidationError("Post cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxPostLength {
		return NewValidationError(fmt.Sprintf("Post too long (max %d characters)", MaxPostLength))
	}
	return nil
}
