package feed

import (
	"context"
	"sync"
	"time"

	"blockverse/internal/actor"
	"blockverse/internal/models"
)

// ActorSource yields the actor bound to the current session.
type ActorSource interface {
	CurrentActor() (*actor.Actor, error)
}

// Views owns every cache shown to the user. Lists for a user's posts or a
// post's comments are created on first use and dropped with their view.
type Views struct {
	src      ActorSource
	pageSize int
	timeout  time.Duration

	Feed     *List[models.Post]
	Profiles *List[models.UserProfile]

	mu        sync.Mutex
	userPosts map[models.Principal]*List[models.Post]
	comments  map[string]*List[models.Comment]

	// holds counts optimistic patches per entity; holdGen drops releases
	// issued before a Reset.
	holdMu  sync.Mutex
	holds   map[string]int
	holdGen uint64
}

// PostEntity, CommentEntity and ProfileEntity name the entities Hold accepts.
func PostEntity(id string) string             { return "post:" + id }
func CommentEntity(id string) string          { return "comment:" + id }
func ProfileEntity(p models.Principal) string { return "profile:" + p.String() }

// NewViews creates the caches. timeout bounds every fetch; zero disables it.
func NewViews(src ActorSource, pageSize int, timeout time.Duration) *Views {
	v := &Views{
		src:       src,
		pageSize:  pageSize,
		timeout:   timeout,
		Profiles:  NewList[models.UserProfile]("profiles", 0, nil),
		userPosts: make(map[models.Principal]*List[models.Post]),
		comments:  make(map[string]*List[models.Comment]),
		holds:     make(map[string]int),
	}
	v.Profiles.SetMerge(v.mergeProfile)
	v.Feed = NewList[models.Post]("feed", pageSize, func(ctx context.Context, limit, offset int) ([]models.Post, error) {
		return withActor(ctx, v, func(ctx context.Context, a *actor.Actor) ([]models.Post, error) {
			return a.GetFeed(ctx, a.Principal(), limit, offset)
		})
	})
	v.Feed.SetMerge(v.mergePost)
	return v
}

// Hold marks entity as carrying an optimistic patch until release runs.
// While held, server copies merged into the caches keep the cached counters
// so the patch can be reverted exactly. Holds nest.
func (v *Views) Hold(entity string) (release func()) {
	v.holdMu.Lock()
	v.holds[entity]++
	gen := v.holdGen
	v.holdMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.holdMu.Lock()
			defer v.holdMu.Unlock()
			if gen != v.holdGen {
				return
			}
			if v.holds[entity]--; v.holds[entity] <= 0 {
				delete(v.holds, entity)
			}
		})
	}
}

// Held reports whether an optimistic patch is outstanding on entity.
func (v *Views) Held(entity string) bool {
	v.holdMu.Lock()
	defer v.holdMu.Unlock()
	return v.holds[entity] > 0
}

func withActor[R any](ctx context.Context, v *Views, fn func(ctx context.Context, a *actor.Actor) (R, error)) (R, error) {
	a, err := v.src.CurrentActor()
	if err != nil {
		var zero R
		return zero, err
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	return fn(ctx, a)
}

// UserPosts returns the post list of p's profile view.
func (v *Views) UserPosts(p models.Principal) *List[models.Post] {
	v.mu.Lock()
	defer v.mu.Unlock()
	if l, ok := v.userPosts[p]; ok {
		return l
	}
	l := NewList[models.Post]("user_posts:"+p.String(), 0, func(ctx context.Context, _, _ int) ([]models.Post, error) {
		return withActor(ctx, v, func(ctx context.Context, a *actor.Actor) ([]models.Post, error) {
			return a.GetUserPosts(ctx, p)
		})
	})
	l.SetMerge(v.mergePost)
	v.userPosts[p] = l
	return l
}

// Comments returns the comment list of a post's detail view.
func (v *Views) Comments(postID string) *List[models.Comment] {
	v.mu.Lock()
	defer v.mu.Unlock()
	if l, ok := v.comments[postID]; ok {
		return l
	}
	l := NewList[models.Comment]("comments:"+postID, 0, func(ctx context.Context, _, _ int) ([]models.Comment, error) {
		return withActor(ctx, v, func(ctx context.Context, a *actor.Actor) ([]models.Comment, error) {
			return a.GetPostComments(ctx, postID)
		})
	})
	l.SetMerge(v.mergeComment)
	v.comments[postID] = l
	return l
}

// CachedComments returns the comment list for postID only if it exists.
func (v *Views) CachedComments(postID string) (*List[models.Comment], bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.comments[postID]
	return l, ok
}

// CachedUserPosts returns the post list for p only if it exists.
func (v *Views) CachedUserPosts(p models.Principal) (*List[models.Post], bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.userPosts[p]
	return l, ok
}

// DropUserPosts tears down p's profile view.
func (v *Views) DropUserPosts(p models.Principal) {
	v.mu.Lock()
	l, ok := v.userPosts[p]
	delete(v.userPosts, p)
	v.mu.Unlock()
	if ok {
		l.Reset()
	}
}

// DropComments tears down a post's detail view.
func (v *Views) DropComments(postID string) {
	v.mu.Lock()
	l, ok := v.comments[postID]
	delete(v.comments, postID)
	v.mu.Unlock()
	if ok {
		l.Reset()
	}
}

// PostLists returns the feed followed by every open profile list.
func (v *Views) PostLists() []*List[models.Post] {
	v.mu.Lock()
	defer v.mu.Unlock()
	lists := make([]*List[models.Post], 0, 1+len(v.userPosts))
	lists = append(lists, v.Feed)
	for _, l := range v.userPosts {
		lists = append(lists, l)
	}
	return lists
}

// FindPost returns the first cached copy of a post.
func (v *Views) FindPost(id string) (models.Post, bool) {
	for _, l := range v.PostLists() {
		if p, ok := l.Get(id); ok {
			return p, true
		}
	}
	return models.Post{}, false
}

// UpdatePost applies fn to every cached copy of a post.
func (v *Views) UpdatePost(id string, fn func(p *models.Post)) bool {
	found := false
	for _, l := range v.PostLists() {
		if l.Update(id, fn) {
			found = true
		}
	}
	return found
}

// MergePost folds a server copy of a post into every list holding it. The
// cached pending flag survives, and so does the cached like state when the
// server copy carried no like signal. A held post also keeps its counters and
// like state until the mutation settles.
func (v *Views) MergePost(incoming models.Post) bool {
	return v.UpdatePost(incoming.ID, func(cur *models.Post) {
		*cur = v.mergePost(*cur, incoming)
	})
}

func (v *Views) mergePost(cur, incoming models.Post) models.Post {
	merged := incoming
	merged.Pending = cur.Pending
	if v.Held(PostEntity(cur.ID)) {
		merged.LikesCount = cur.LikesCount
		merged.CommentsCount = cur.CommentsCount
		merged.SharesCount = cur.SharesCount
		merged.LikedByCurrentUser = cur.LikedByCurrentUser
		merged.LikeStateKnown = cur.LikeStateKnown
		return merged
	}
	if !incoming.LikeStateKnown {
		merged.LikedByCurrentUser = cur.LikedByCurrentUser
		merged.LikeStateKnown = cur.LikeStateKnown
	}
	return merged
}

func (v *Views) mergeComment(cur, incoming models.Comment) models.Comment {
	merged := incoming
	merged.Pending = cur.Pending
	if v.Held(CommentEntity(cur.ID)) {
		merged.LikesCount = cur.LikesCount
	}
	return merged
}

func (v *Views) mergeProfile(cur, incoming models.UserProfile) models.UserProfile {
	if !v.Held(ProfileEntity(cur.ID)) {
		return incoming
	}
	merged := incoming
	merged.FollowersCount = cur.FollowersCount
	merged.FollowingCount = cur.FollowingCount
	merged.Balance = cur.Balance
	return merged
}

// PrependPost puts a new post at the head of the feed and of its author's
// profile list when that view is open.
func (v *Views) PrependPost(p models.Post) {
	v.Feed.PrependNew(p)
	if l, ok := v.CachedUserPosts(p.Author); ok {
		l.PrependNew(p)
	}
}

// ReplacePost swaps a provisional post for the confirmed one in every list.
func (v *Views) ReplacePost(oldID string, p models.Post) {
	v.Feed.Replace(oldID, p)
	if l, ok := v.CachedUserPosts(p.Author); ok {
		l.Replace(oldID, p)
	}
}

// RemovePost drops a post from every list.
func (v *Views) RemovePost(id string) {
	for _, l := range v.PostLists() {
		l.Remove(id)
	}
}

// LoadPost fetches a post and merges it into the caches.
func (v *Views) LoadPost(ctx context.Context, id string) (models.Post, error) {
	p, err := withActor(ctx, v, func(ctx context.Context, a *actor.Actor) (*models.Post, error) {
		return a.GetPost(ctx, id)
	})
	if err != nil {
		return models.Post{}, err
	}
	if p == nil {
		return models.Post{}, models.NewNotFoundError("post", id)
	}
	v.MergePost(*p)
	if cached, ok := v.FindPost(id); ok {
		return cached, nil
	}
	return *p, nil
}

// LoadProfile fetches a profile into the profile cache.
func (v *Views) LoadProfile(ctx context.Context, p models.Principal) (models.UserProfile, error) {
	u, err := withActor(ctx, v, func(ctx context.Context, a *actor.Actor) (*models.UserProfile, error) {
		return a.GetUser(ctx, p)
	})
	if err != nil {
		return models.UserProfile{}, err
	}
	if u == nil {
		return models.UserProfile{}, models.NewNotFoundError("user", p)
	}
	v.Profiles.PrependNew(*u)
	if cached, ok := v.Profiles.Get(u.Key()); ok {
		return cached, nil
	}
	return *u, nil
}

// Reset discards every cache. Loads in flight are dropped.
func (v *Views) Reset() {
	v.mu.Lock()
	userPosts, comments := v.userPosts, v.comments
	v.userPosts = make(map[models.Principal]*List[models.Post])
	v.comments = make(map[string]*List[models.Comment])
	v.mu.Unlock()

	v.holdMu.Lock()
	v.holds = make(map[string]int)
	v.holdGen++
	v.holdMu.Unlock()

	v.Feed.Reset()
	v.Profiles.Reset()
	for _, l := range userPosts {
		l.Reset()
	}
	for _, l := range comments {
		l.Reset()
	}
}
