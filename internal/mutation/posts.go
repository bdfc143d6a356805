package mutation

import (
	"context"
	"fmt"
	"unicode/utf8"

	"blockverse/internal/actor"
	"blockverse/internal/feed"
	"blockverse/internal/models"
)

type none struct{}

// LikePost marks a cached post liked by the caller.
func (e *Engine) LikePost(ctx context.Context, postID string) error {
	return e.setLike(ctx, postID, true)
}

// UnlikePost clears the caller's like on a cached post.
func (e *Engine) UnlikePost(ctx context.Context, postID string) error {
	return e.setLike(ctx, postID, false)
}

// ToggleLike flips the caller's like and reports the new state.
func (e *Engine) ToggleLike(ctx context.Context, postID string) (bool, error) {
	p, ok := e.views.FindPost(postID)
	if !ok {
		return false, models.NewNotFoundError("post", postID)
	}
	want := !p.LikedByCurrentUser
	if err := e.setLike(ctx, postID, want); err != nil {
		return p.LikedByCurrentUser, err
	}
	return want, nil
}

func (e *Engine) setLike(ctx context.Context, postID string, like bool) error {
	_, err := Run(ctx, e, Op[none]{
		Kind:   KindLike,
		Target: postID,
		Entity: feed.PostEntity(postID),
		Check: func(models.Principal) error {
			p, ok := e.views.FindPost(postID)
			if !ok {
				return models.NewNotFoundError("post", postID)
			}
			if IsProvisional(postID) {
				return models.NewValidationError("Post is not confirmed yet")
			}
			if p.LikedByCurrentUser == like {
				if like {
					return models.NewValidationError("Already liked this post")
				}
				return models.NewValidationError("Haven't liked this post")
			}
			return nil
		},
		Apply: func(uint64) func() {
			return e.patchPost(postID, func(p *models.Post) func(*models.Post) {
				prevLiked, prevKnown := p.LikedByCurrentUser, p.LikeStateKnown
				delta := int64(1)
				if !like {
					delta = -1
				}
				applied, clamped := addCount(&p.LikesCount, delta)
				if clamped {
					e.invariant(ctx, KindLike, postID, "likes_count would drop below zero")
				}
				p.LikedByCurrentUser, p.LikeStateKnown = like, true
				return func(p *models.Post) {
					addCount(&p.LikesCount, -applied)
					p.LikedByCurrentUser, p.LikeStateKnown = prevLiked, prevKnown
				}
			})
		},
		Mark: e.markPost(postID),
		Call: func(ctx context.Context, a *actor.Actor) (none, error) {
			if like {
				return none{}, a.LikePost(ctx, postID)
			}
			return none{}, a.UnlikePost(ctx, postID)
		},
	})
	return err
}

// CreatePost shows a provisional post at the head of the feed and swaps in
// the confirmed post when the remote accepts it.
func (e *Engine) CreatePost(ctx context.Context, content string, mediaURL *string) (models.Post, error) {
	provisionalID := e.provisionalID()
	var me models.Principal

	return Run(ctx, e, Op[models.Post]{
		Kind:   KindCreatePost,
		Target: selfTarget,
		Entity: feed.PostEntity(provisionalID),
		Check: func(p models.Principal) error {
			me = p
			return models.ValidatePostContent(content, mediaURL)
		},
		Apply: func(epoch uint64) func() {
			now := nowNanos(e.now())
			e.views.PrependPost(models.Post{
				ID:             provisionalID,
				Author:         me,
				Content:        content,
				MediaURL:       mediaURL,
				CreatedAt:      now,
				UpdatedAt:      now,
				Pending:        true,
				LikeStateKnown: true,
			})
			undoCount := e.patchUser(epoch, func(u *models.UserProfile) func(*models.UserProfile) {
				applied, _ := addCount(&u.PostsCount, 1)
				return func(u *models.UserProfile) { addCount(&u.PostsCount, -applied) }
			})
			return combine(func() { e.views.RemovePost(provisionalID) }, undoCount)
		},
		Mark: e.markPost(provisionalID),
		Call: func(ctx context.Context, a *actor.Actor) (models.Post, error) {
			return a.CreatePost(ctx, content, mediaURL)
		},
		Commit: func(_ uint64, confirmed models.Post) {
			confirmed.Pending = false
			e.views.ReplacePost(provisionalID, confirmed)
		},
	})
}

// SharePost bumps the original's share count and prepends the share once
// the remote returns it.
func (e *Engine) SharePost(ctx context.Context, postID string, comment *string) (models.Post, error) {
	return Run(ctx, e, Op[models.Post]{
		Kind:   KindShare,
		Target: postID,
		Entity: feed.PostEntity(postID),
		Check: func(models.Principal) error {
			if IsProvisional(postID) {
				return models.NewValidationError("Post is not confirmed yet")
			}
			if comment != nil && utf8.RuneCountInString(*comment) > models.MaxPostLength {
				return models.NewValidationError(fmt.Sprintf("Share comment too long (max %d characters)", models.MaxPostLength))
			}
			return nil
		},
		Apply: func(uint64) func() {
			return e.patchPost(postID, func(p *models.Post) func(*models.Post) {
				applied, _ := addCount(&p.SharesCount, 1)
				return func(p *models.Post) { addCount(&p.SharesCount, -applied) }
			})
		},
		Mark: e.markPost(postID),
		Call: func(ctx context.Context, a *actor.Actor) (models.Post, error) {
			return a.SharePost(ctx, postID, comment)
		},
		Commit: func(_ uint64, share models.Post) {
			e.views.PrependPost(share)
		},
	})
}

// RemovePost deletes a post remotely and drops it from every cache on success.
func (e *Engine) RemovePost(ctx context.Context, postID string) error {
	_, err := Run(ctx, e, Op[none]{
		Kind:   KindRemovePost,
		Target: postID,
		Entity: feed.PostEntity(postID),
		Mark:   e.markPost(postID),
		Call: func(ctx context.Context, a *actor.Actor) (none, error) {
			return none{}, a.RemovePost(ctx, postID)
		},
		Commit: func(uint64, none) {
			e.views.RemovePost(postID)
		},
	})
	return err
}

// CreateComment prepends a provisional comment to the post's open comment
// list and bumps its comment count.
func (e *Engine) CreateComment(ctx context.Context, postID, content string) (models.Comment, error) {
	provisionalID := e.provisionalID()
	var me models.Principal

	return Run(ctx, e, Op[models.Comment]{
		Kind:   KindCreateComment,
		Target: postID,
		Entity: feed.PostEntity(postID),
		Check: func(p models.Principal) error {
			me = p
			if IsProvisional(postID) {
				return models.NewValidationError("Post is not confirmed yet")
			}
			return models.ValidateCommentContent(content)
		},
		Apply: func(uint64) func() {
			if list, ok := e.views.CachedComments(postID); ok {
				list.PrependNew(models.Comment{
					ID:        provisionalID,
					PostID:    postID,
					Author:    me,
					Content:   content,
					CreatedAt: nowNanos(e.now()),
					Pending:   true,
				})
			}
			undoCount := e.patchPost(postID, func(p *models.Post) func(*models.Post) {
				applied, _ := addCount(&p.CommentsCount, 1)
				return func(p *models.Post) { addCount(&p.CommentsCount, -applied) }
			})
			return combine(func() {
				if list, ok := e.views.CachedComments(postID); ok {
					list.Remove(provisionalID)
				}
			}, undoCount)
		},
		Mark: e.markPost(postID),
		Call: func(ctx context.Context, a *actor.Actor) (models.Comment, error) {
			return a.CreateComment(ctx, postID, content)
		},
		Commit: func(_ uint64, confirmed models.Comment) {
			confirmed.Pending = false
			if list, ok := e.views.CachedComments(postID); ok {
				list.Replace(provisionalID, confirmed)
			}
		},
	})
}

// LikeComment adds the caller's like to a comment.
func (e *Engine) LikeComment(ctx context.Context, postID, commentID string) error {
	mark := func(on bool) {
		if list, ok := e.views.CachedComments(postID); ok {
			list.Update(commentID, func(c *models.Comment) { c.Pending = on })
		}
	}
	_, err := Run(ctx, e, Op[none]{
		Kind:   KindLikeComment,
		Target: commentID,
		Entity: feed.CommentEntity(commentID),
		Check: func(models.Principal) error {
			if IsProvisional(commentID) {
				return models.NewValidationError("Comment is not confirmed yet")
			}
			return nil
		},
		Apply: func(uint64) func() {
			list, ok := e.views.CachedComments(postID)
			if !ok {
				return nil
			}
			var applied int64
			if !list.Update(commentID, func(c *models.Comment) { applied, _ = addCount(&c.LikesCount, 1) }) {
				return nil
			}
			return func() {
				list.Update(commentID, func(c *models.Comment) { addCount(&c.LikesCount, -applied) })
			}
		},
		Mark: mark,
		Call: func(ctx context.Context, a *actor.Actor) (none, error) {
			return none{}, a.LikeComment(ctx, commentID)
		},
	})
	return err
}
