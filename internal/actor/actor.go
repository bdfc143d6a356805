// Package actor binds a transport and a credential into a handle exposing the
// remote actor's named operations. A binding is immutable: a new credential
// always produces a new Actor.
package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"blockverse/internal/identity"
	"blockverse/internal/models"
	"blockverse/internal/observability"
)

// Remote method names.
const (
	MethodCreateUser       = "create_user"
	MethodGetUser          = "get_user"
	MethodUpdateUser       = "update_user"
	MethodFollowUser       = "follow_user"
	MethodUnfollowUser     = "unfollow_user"
	MethodGetUserFollowers = "get_user_followers"
	MethodGetUserFollowing = "get_user_following"
	MethodCreatePost       = "create_post"
	MethodGetPost          = "get_post"
	MethodGetUserPosts     = "get_user_posts"
	MethodGetFeed          = "get_feed"
	MethodLikePost         = "like_post"
	MethodUnlikePost       = "unlike_post"
	MethodSharePost        = "share_post"
	MethodRemovePost       = "remove_post"
	MethodGetLatestPosts   = "get_latest_posts"
	MethodCreateComment    = "create_comment"
	MethodGetPostComments  = "get_post_comments"
	MethodLikeComment      = "like_comment"
	MethodTipUser          = "tip_user"
	MethodGetUserBalance   = "get_user_balance"
	MethodSearchUsers      = "search_users"
	MethodSearchPosts      = "search_posts"
)

// Actor is a callable handle scoped to one credential.
type Actor struct {
	transport  Transport
	credential identity.Credential
	logger     *observability.ActorLogger
	canisterID string
}

// New binds transport to cred. The credential must be valid now.
func New(transport Transport, cred identity.Credential, canisterID string) (*Actor, error) {
	if transport == nil {
		return nil, errors.New("actor: nil transport")
	}
	if !cred.Valid(time.Now()) {
		return nil, identity.ErrCredentialExpired
	}
	return &Actor{
		transport:  transport,
		credential: cred,
		logger:     observability.NewActorLogger(canisterID),
		canisterID: canisterID,
	}, nil
}

// Principal returns the identity the actor calls as.
func (a *Actor) Principal() models.Principal { return a.credential.Principal }

// Credential returns the credential the actor was bound with.
func (a *Actor) Credential() identity.Credential { return a.credential }

// Call invokes method and decodes a successful payload into out (which may be
// nil). Transport and decode failures become TransportError; a declared
// failure becomes RemoteError. Nothing is retried.
func (a *Actor) Call(ctx context.Context, method string, out any, args ...any) error {
	span, ctx := observability.StartActorSpan(ctx, a.canisterID, method)
	defer span.End()
	start := time.Now()

	env, err := a.transport.Invoke(ctx, a.credential.Token, Call{Method: method, Args: args})
	if err == nil && env == nil {
		err = errors.New("empty reply")
	}
	if err != nil {
		appErr := models.NewTransportError(method, err)
		a.finish(ctx, span, method, "transport_error", start, appErr)
		return appErr
	}
	if env.Err != nil {
		appErr := models.NewRemoteError(method, *env.Err)
		a.finish(ctx, span, method, "remote_error", start, appErr)
		return appErr
	}
	if out != nil && len(env.Ok) > 0 && !bytes.Equal(env.Ok, []byte("null")) {
		if err := json.Unmarshal(env.Ok, out); err != nil {
			appErr := models.NewTransportError(method, fmt.Errorf("decode payload: %w", err))
			a.finish(ctx, span, method, "transport_error", start, appErr)
			return appErr
		}
	}
	a.finish(ctx, span, method, "ok", start, nil)
	return nil
}

func (a *Actor) finish(ctx context.Context, span *observability.Span, method, outcome string, start time.Time, err error) {
	observability.ObserveActorCall(method, outcome, start)
	if err != nil {
		span.SetError(err)
		a.logger.LogError(ctx, method, err)
		return
	}
	a.logger.LogCall(ctx, method, outcome, time.Since(start))
}

type userInput struct {
	Username  string `json:"username,omitempty"`
	Bio       string `json:"bio"`
	AvatarURL string `json:"avatar_url"`
}

func (a *Actor) CreateUser(ctx context.Context, username, bio, avatarURL string) (models.UserProfile, error) {
	var u models.UserProfile
	err := a.Call(ctx, MethodCreateUser, &u, userInput{Username: username, Bio: bio, AvatarURL: avatarURL})
	return u, err
}

// GetUser returns nil when the principal has no profile.
func (a *Actor) GetUser(ctx context.Context, p models.Principal) (*models.UserProfile, error) {
	var u *models.UserProfile
	if err := a.Call(ctx, MethodGetUser, &u, p); err != nil {
		return nil, err
	}
	return u, nil
}

func (a *Actor) UpdateUser(ctx context.Context, bio, avatarURL string) (models.UserProfile, error) {
	var u models.UserProfile
	err := a.Call(ctx, MethodUpdateUser, &u, userInput{Bio: bio, AvatarURL: avatarURL})
	return u, err
}

func (a *Actor) FollowUser(ctx context.Context, p models.Principal) error {
	return a.Call(ctx, MethodFollowUser, nil, p)
}

func (a *Actor) UnfollowUser(ctx context.Context, p models.Principal) error {
	return a.Call(ctx, MethodUnfollowUser, nil, p)
}

func (a *Actor) GetUserFollowers(ctx context.Context, p models.Principal) ([]models.Principal, error) {
	var out []models.Principal
	err := a.Call(ctx, MethodGetUserFollowers, &out, p)
	return out, err
}

func (a *Actor) GetUserFollowing(ctx context.Context, p models.Principal) ([]models.Principal, error) {
	var out []models.Principal
	err := a.Call(ctx, MethodGetUserFollowing, &out, p)
	return out, err
}

func (a *Actor) CreatePost(ctx context.Context, content string, mediaURL *string) (models.Post, error) {
	var w WirePost
	if err := a.Call(ctx, MethodCreatePost, &w, content, mediaURL); err != nil {
		return models.Post{}, err
	}
	return w.Post(a.Principal()), nil
}

// GetPost returns nil when no post has the id.
func (a *Actor) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var w *WirePost
	if err := a.Call(ctx, MethodGetPost, &w, id); err != nil || w == nil {
		return nil, err
	}
	p := w.Post(a.Principal())
	return &p, nil
}

func (a *Actor) GetUserPosts(ctx context.Context, p models.Principal) ([]models.Post, error) {
	return a.posts(ctx, MethodGetUserPosts, p)
}

func (a *Actor) GetFeed(ctx context.Context, p models.Principal, limit, offset int) ([]models.Post, error) {
	return a.posts(ctx, MethodGetFeed, p, limit, offset)
}

// GetLatestPosts returns posts created after since (nanoseconds), in no particular order.
func (a *Actor) GetLatestPosts(ctx context.Context, since uint64) ([]models.Post, error) {
	return a.posts(ctx, MethodGetLatestPosts, since)
}

func (a *Actor) SearchPosts(ctx context.Context, query string) ([]models.Post, error) {
	return a.posts(ctx, MethodSearchPosts, query)
}

func (a *Actor) posts(ctx context.Context, method string, args ...any) ([]models.Post, error) {
	var wire []WirePost
	if err := a.Call(ctx, method, &wire, args...); err != nil {
		return nil, err
	}
	return decodePosts(wire, a.Principal()), nil
}

func (a *Actor) LikePost(ctx context.Context, id string) error {
	return a.Call(ctx, MethodLikePost, nil, id)
}

func (a *Actor) UnlikePost(ctx context.Context, id string) error {
	return a.Call(ctx, MethodUnlikePost, nil, id)
}

func (a *Actor) SharePost(ctx context.Context, id string, comment *string) (models.Post, error) {
	var w WirePost
	if err := a.Call(ctx, MethodSharePost, &w, id, comment); err != nil {
		return models.Post{}, err
	}
	return w.Post(a.Principal()), nil
}

func (a *Actor) RemovePost(ctx context.Context, id string) error {
	return a.Call(ctx, MethodRemovePost, nil, id)
}

func (a *Actor) CreateComment(ctx context.Context, postID, content string) (models.Comment, error) {
	var c models.Comment
	err := a.Call(ctx, MethodCreateComment, &c, postID, content)
	return c, err
}

func (a *Actor) GetPostComments(ctx context.Context, postID string) ([]models.Comment, error) {
	var out []models.Comment
	err := a.Call(ctx, MethodGetPostComments, &out, postID)
	return out, err
}

func (a *Actor) LikeComment(ctx context.Context, commentID string) error {
	return a.Call(ctx, MethodLikeComment, nil, commentID)
}

func (a *Actor) TipUser(ctx context.Context, p models.Principal, amountE8s uint64) error {
	return a.Call(ctx, MethodTipUser, nil, p, amountE8s)
}

func (a *Actor) GetUserBalance(ctx context.Context, p models.Principal) (uint64, error) {
	var balance uint64
	err := a.Call(ctx, MethodGetUserBalance, &balance, p)
	return balance, err
}

func (a *Actor) SearchUsers(ctx context.Context, query string) ([]models.UserProfile, error) {
	var out []models.UserProfile
	err := a.Call(ctx, MethodSearchUsers, &out, query)
	return out, err
}
