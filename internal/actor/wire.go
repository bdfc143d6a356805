package actor

import (
	"blockverse/internal/models"
)

// WirePost is a Post as the remote actor encodes it. Like membership arrives
// either as a caller-specific flag or as the full set of likers.
type WirePost struct {
	ID             string             `json:"id"`
	Author         models.Principal   `json:"author"`
	Content        string             `json:"content"`
	MediaURL       *string            `json:"media_url,omitempty"`
	Likes          []models.Principal `json:"likes,omitempty"`
	LikedByCaller  *bool              `json:"liked_by_caller,omitempty"`
	LikesCount     uint64             `json:"likes_count"`
	CommentsCount  uint64             `json:"comments_count"`
	SharesCount    uint64             `json:"shares_count"`
	IsShared       bool               `json:"is_shared"`
	OriginalPostID *string            `json:"original_post_id,omitempty"`
	ShareComment   *string            `json:"share_comment,omitempty"`
	CreatedAt      uint64             `json:"created_at"`
	UpdatedAt      uint64             `json:"updated_at"`
}

// DeriveLiked computes whether me likes the post. The caller flag wins when
// present; otherwise membership in likes decides. known is false when the
// wire carried neither signal.
func DeriveLiked(likedByCaller *bool, likes []models.Principal, me models.Principal) (liked, known bool) {
	if likedByCaller != nil {
		return *likedByCaller, true
	}
	if likes == nil {
		return false, false
	}
	for _, p := range likes {
		if p == me {
			return true, true
		}
	}
	return false, true
}

// Post converts the wire form into the cached form for viewer me.
func (w WirePost) Post(me models.Principal) models.Post {
	liked, known := DeriveLiked(w.LikedByCaller, w.Likes, me)
	return models.Post{
		ID:                 w.ID,
		Author:             w.Author,
		Content:            w.Content,
		MediaURL:           w.MediaURL,
		LikesCount:         w.LikesCount,
		CommentsCount:      w.CommentsCount,
		SharesCount:        w.SharesCount,
		LikedByCurrentUser: liked,
		LikeStateKnown:     known,
		IsShared:           w.IsShared,
		OriginalPostID:     w.OriginalPostID,
		ShareComment:       w.ShareComment,
		CreatedAt:          w.CreatedAt,
		UpdatedAt:          w.UpdatedAt,
	}
}

// ToWire encodes p with its like flag as a caller-specific signal.
func ToWire(p models.Post) WirePost {
	liked := p.LikedByCurrentUser
	return WirePost{
		ID:             p.ID,
		Author:         p.Author,
		Content:        p.Content,
		MediaURL:       p.MediaURL,
		LikedByCaller:  &liked,
		LikesCount:     p.LikesCount,
		CommentsCount:  p.CommentsCount,
		SharesCount:    p.SharesCount,
		IsShared:       p.IsShared,
		OriginalPostID: p.OriginalPostID,
		ShareComment:   p.ShareComment,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func decodePosts(wire []WirePost, me models.Principal) []models.Post {
	out := make([]models.Post, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.Post(me))
	}
	return out
}
