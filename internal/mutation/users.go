package mutation

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"blockverse/internal/actor"
	"blockverse/internal/feed"
	"blockverse/internal/models"
)

// LoadFollowing replaces the follow membership with the remote's list for
// the caller.
func (e *Engine) LoadFollowing(ctx context.Context) error {
	a, epoch, err := e.session.Bound()
	if err != nil {
		return err
	}
	callCtx, cancel := e.withTimeout(ctx)
	following, err := a.GetUserFollowing(callCtx, a.Principal())
	cancel()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Epoch() != epoch {
		return nil
	}
	e.following = make(map[models.Principal]struct{}, len(following))
	for _, p := range following {
		e.following[p] = struct{}{}
	}
	return nil
}

// IsFollowing reports whether the caller follows p, as far as the engine knows.
func (e *Engine) IsFollowing(p models.Principal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.following[p]
	return ok
}

// Following returns the caller's follow membership.
func (e *Engine) Following() []models.Principal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Principal, 0, len(e.following))
	for p := range e.following {
		out = append(out, p)
	}
	return out
}

// FollowUser follows target.
func (e *Engine) FollowUser(ctx context.Context, target models.Principal) error {
	return e.setFollow(ctx, target, true)
}

// UnfollowUser stops following target.
func (e *Engine) UnfollowUser(ctx context.Context, target models.Principal) error {
	return e.setFollow(ctx, target, false)
}

func (e *Engine) setFollow(ctx context.Context, target models.Principal, follow bool) error {
	_, err := Run(ctx, e, Op[none]{
		Kind:   KindFollow,
		Target: target.String(),
		Entity: feed.ProfileEntity(target),
		Check: func(me models.Principal) error {
			if target.IsZero() {
				return models.NewInvalidTargetError("No user to follow")
			}
			if target == me {
				return models.NewInvalidTargetError("Cannot follow yourself")
			}
			_, following := e.following[target]
			if follow && following {
				return models.NewValidationError("Already following this user")
			}
			if !follow && !following {
				return models.NewValidationError("Not following this user")
			}
			return nil
		},
		Apply: func(epoch uint64) func() {
			_, was := e.following[target]
			if follow {
				e.following[target] = struct{}{}
			} else {
				delete(e.following, target)
			}
			restoreMembership := func() {
				if was {
					e.following[target] = struct{}{}
				} else {
					delete(e.following, target)
				}
			}

			delta := int64(1)
			if !follow {
				delta = -1
			}
			undoFollowing := e.patchUser(epoch, func(u *models.UserProfile) func(*models.UserProfile) {
				applied, _ := addCount(&u.FollowingCount, delta)
				return func(u *models.UserProfile) { addCount(&u.FollowingCount, -applied) }
			})
			undoFollowers := e.patchProfile(target, func(u *models.UserProfile) func(*models.UserProfile) {
				applied, _ := addCount(&u.FollowersCount, delta)
				return func(u *models.UserProfile) { addCount(&u.FollowersCount, -applied) }
			})
			return combine(restoreMembership, undoFollowing, undoFollowers)
		},
		Call: func(ctx context.Context, a *actor.Actor) (none, error) {
			if follow {
				return none{}, a.FollowUser(ctx, target)
			}
			return none{}, a.UnfollowUser(ctx, target)
		},
	})
	return err
}

// TipUser sends amountE8s to target. The caller's balance is debited and a
// cached recipient credited until the remote confirms.
func (e *Engine) TipUser(ctx context.Context, target models.Principal, amountE8s int64) error {
	_, err := Run(ctx, e, Op[none]{
		Kind:   KindTip,
		Target: target.String(),
		Entity: feed.ProfileEntity(target),
		Check: func(me models.Principal) error {
			if target.IsZero() {
				return models.NewInvalidTargetError("No user to tip")
			}
			if target == me {
				return models.NewInvalidTargetError("Cannot tip yourself")
			}
			if amountE8s <= 0 {
				return models.NewInvalidAmountError("Tip amount must be a positive number of e8s")
			}
			return nil
		},
		Apply: func(epoch uint64) func() {
			undoDebit := e.patchUser(epoch, func(u *models.UserProfile) func(*models.UserProfile) {
				applied, _ := addCount(&u.Balance, -amountE8s)
				return func(u *models.UserProfile) { addCount(&u.Balance, -applied) }
			})
			undoCredit := e.patchProfile(target, func(u *models.UserProfile) func(*models.UserProfile) {
				applied, _ := addCount(&u.Balance, amountE8s)
				return func(u *models.UserProfile) { addCount(&u.Balance, -applied) }
			})
			return combine(undoDebit, undoCredit)
		},
		Call: func(ctx context.Context, a *actor.Actor) (none, error) {
			return none{}, a.TipUser(ctx, target, uint64(amountE8s))
		},
	})
	return err
}

// ParseAmountE8s accepts an integral e8s amount as decoded from JSON or a
// form value.
func ParseAmountE8s(raw any) (int64, error) {
	var n int64
	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case uint64:
		if v > math.MaxInt64 {
			return 0, models.NewInvalidAmountError("Tip amount out of range")
		}
		n = int64(v)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) || v > math.MaxInt64 || v < math.MinInt64 {
			return 0, models.NewInvalidAmountError("Tip amount must be a whole number of e8s")
		}
		n = int64(v)
	case json.Number:
		parsed, err := strconv.ParseInt(v.String(), 10, 64)
		if err != nil {
			return 0, models.NewInvalidAmountError("Tip amount must be a whole number of e8s")
		}
		n = parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, models.NewInvalidAmountError("Tip amount must be a whole number of e8s")
		}
		n = parsed
	default:
		return 0, models.NewInvalidAmountError("Tip amount must be a whole number of e8s")
	}
	if n <= 0 {
		return 0, models.NewInvalidAmountError("Tip amount must be positive")
	}
	return n, nil
}

// UpdateProfile edits the caller's bio and avatar.
func (e *Engine) UpdateProfile(ctx context.Context, bio, avatarURL string) (models.UserProfile, error) {
	var me models.Principal
	setFields := func(bio, avatarURL string) func(u *models.UserProfile) func(*models.UserProfile) {
		return func(u *models.UserProfile) func(*models.UserProfile) {
			prevBio, prevAvatar := u.Bio, u.AvatarURL
			u.Bio, u.AvatarURL = bio, avatarURL
			return func(u *models.UserProfile) { u.Bio, u.AvatarURL = prevBio, prevAvatar }
		}
	}

	return Run(ctx, e, Op[models.UserProfile]{
		Kind:   KindUpdateProfile,
		Target: selfTarget,
		Check: func(p models.Principal) error {
			me = p
			return models.ValidateBio(bio)
		},
		Apply: func(epoch uint64) func() {
			return combine(
				e.patchUser(epoch, setFields(bio, avatarURL)),
				e.patchProfile(me, setFields(bio, avatarURL)),
			)
		},
		Call: func(ctx context.Context, a *actor.Actor) (models.UserProfile, error) {
			return a.UpdateUser(ctx, bio, avatarURL)
		},
		Commit: func(epoch uint64, confirmed models.UserProfile) {
			apply := func(u *models.UserProfile) {
				u.Username, u.Bio, u.AvatarURL, u.UpdatedAt = confirmed.Username, confirmed.Bio, confirmed.AvatarURL, confirmed.UpdatedAt
			}
			e.session.UpdateUser(epoch, apply)
			e.views.Profiles.Update(me.String(), apply)
		},
	})
}

// RefreshBalance reloads the caller's balance from the remote.
func (e *Engine) RefreshBalance(ctx context.Context) (uint64, error) {
	a, epoch, err := e.session.Bound()
	if err != nil {
		return 0, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	balance, err := a.GetUserBalance(callCtx, a.Principal())
	cancel()
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.kindInFlightLocked(KindTip) {
		// The debit of a running tip stays visible until it settles.
		if u, err := e.session.CurrentUser(); err == nil {
			return u.Balance, nil
		}
	}
	e.session.UpdateUser(epoch, func(u *models.UserProfile) { u.Balance = balance })
	return balance, nil
}
