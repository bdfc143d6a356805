// Package mutation applies user actions optimistically: the local caches are
// patched immediately, the remote call runs, and the patch is either
// committed with the authoritative result or reverted exactly.
package mutation

import (
	"context"
	"sync"
	"time"

	"blockverse/internal/actor"
	"blockverse/internal/feed"
	"blockverse/internal/models"
	"blockverse/internal/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Kind identifies a mutation for the in-flight guard. Toggle pairs share a
// kind so a like cannot race its own unlike.
type Kind string

const (
	KindLike          Kind = "like"
	KindLikeComment   Kind = "like-comment"
	KindFollow        Kind = "follow"
	KindCreatePost    Kind = "create-post"
	KindCreateComment Kind = "create-comment"
	KindShare         Kind = "share"
	KindTip           Kind = "tip"
	KindUpdateProfile Kind = "update-profile"
	KindRemovePost    Kind = "remove-post"
)

// selfTarget is the guard target of mutations that act on the caller's own
// profile or composer.
const selfTarget = "self"

// ProvisionalPrefix starts the id of every post or comment not yet confirmed.
const ProvisionalPrefix = "provisional-"

// Session is the part of the session manager the engine needs.
type Session interface {
	Bound() (*actor.Actor, uint64, error)
	Epoch() uint64
	CurrentUser() (models.UserProfile, error)
	UpdateUser(epoch uint64, fn func(u *models.UserProfile)) bool
}

type guardKey struct {
	kind   Kind
	target string
}

// Engine runs every mutation through one protocol against shared caches.
type Engine struct {
	session Session
	views   *feed.Views
	timeout time.Duration
	logger  *observability.MutationLogger
	newID   func() string
	now     func() time.Time

	// mu orders patches, commits and reverts against Reset.
	mu        sync.Mutex
	inflight  map[guardKey]uint64
	pending   map[string]int
	following map[models.Principal]struct{}
}

// NewEngine creates an engine. timeout bounds each remote call; an expired
// call takes the revert path.
func NewEngine(session Session, views *feed.Views, timeout time.Duration) *Engine {
	return &Engine{
		session:   session,
		views:     views,
		timeout:   timeout,
		logger:    observability.NewMutationLogger(),
		newID:     uuid.NewString,
		now:       time.Now,
		inflight:  make(map[guardKey]uint64),
		pending:   make(map[string]int),
		following: make(map[models.Principal]struct{}),
	}
}

// Op describes one optimistic mutation.
type Op[T any] struct {
	Kind   Kind
	Target string
	// Entity scopes the pending flag and the cache hold; several kinds may
	// share one entity.
	Entity string
	// Check runs local preconditions once the guard is known to be free and
	// before anything is patched. It runs with the engine lock held.
	Check func(me models.Principal) error
	// Apply patches the caches and returns the exact inverse.
	Apply func(epoch uint64) (revert func())
	// Mark sets the visible pending flag of Entity.
	Mark   func(pending bool)
	Call   func(ctx context.Context, a *actor.Actor) (T, error)
	Commit func(epoch uint64, result T)
}

// Run executes op: authentication, guard, local checks, patch, remote call,
// then commit or revert. Results that arrive after the session changed are not
// written anywhere.
func Run[T any](ctx context.Context, e *Engine, op Op[T]) (T, error) {
	var zero T
	span, ctx := observability.StartSpan(ctx, "mutation."+string(op.Kind), attribute.String("mutation.target", op.Target))
	defer span.End()

	a, epoch, err := e.session.Bound()
	if err != nil {
		e.record(ctx, op.Kind, op.Target, "rejected", err)
		return zero, err
	}
	e.mu.Lock()
	if e.session.Epoch() != epoch {
		e.mu.Unlock()
		err := models.NewNotAuthenticatedError()
		e.record(ctx, op.Kind, op.Target, "rejected", err)
		return zero, err
	}
	key := guardKey{kind: op.Kind, target: op.Target}
	if _, busy := e.inflight[key]; busy {
		e.mu.Unlock()
		err := models.NewMutationInProgressError(string(op.Kind), op.Target)
		e.record(ctx, op.Kind, op.Target, "rejected", err)
		return zero, err
	}
	if op.Check != nil {
		if err := op.Check(a.Principal()); err != nil {
			e.mu.Unlock()
			e.record(ctx, op.Kind, op.Target, "rejected", err)
			return zero, err
		}
	}
	e.inflight[key] = epoch
	release := func() {}
	if op.Entity != "" {
		release = e.views.Hold(op.Entity)
	}
	e.markLocked(op.Entity, op.Mark, true)
	revert := func() {}
	if op.Apply != nil {
		if r := op.Apply(epoch); r != nil {
			revert = r
		}
	}
	e.mu.Unlock()

	callCtx, cancel := e.withTimeout(ctx)
	result, callErr := op.Call(callCtx, a)
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	defer release()
	if e.inflight[key] == epoch {
		delete(e.inflight, key)
	}

	if e.session.Epoch() != epoch {
		e.record(ctx, op.Kind, op.Target, "discarded", callErr)
		if callErr != nil {
			return zero, callErr
		}
		return result, nil
	}

	if callErr != nil {
		span.SetError(callErr)
		revert()
		e.markLocked(op.Entity, op.Mark, false)
		e.record(ctx, op.Kind, op.Target, "reverted", callErr)
		return zero, callErr
	}

	if op.Commit != nil {
		op.Commit(epoch, result)
	}
	e.markLocked(op.Entity, op.Mark, false)
	e.record(ctx, op.Kind, op.Target, "committed", nil)
	return result, nil
}

// markLocked counts in-flight mutations per entity and shows the entity as
// pending while any of them runs.
func (e *Engine) markLocked(entity string, mark func(bool), on bool) {
	if entity == "" || mark == nil {
		return
	}
	if on {
		e.pending[entity]++
	} else if e.pending[entity] > 0 {
		e.pending[entity]--
	}
	n := e.pending[entity]
	if n == 0 {
		delete(e.pending, entity)
	}
	mark(n > 0)
}

func (e *Engine) record(ctx context.Context, kind Kind, target, outcome string, err error) {
	observability.Mutations.WithLabelValues(string(kind), outcome).Inc()
	e.logger.LogOutcome(ctx, string(kind), target, outcome, err)
}

func (e *Engine) invariant(ctx context.Context, kind Kind, target, detail string) {
	observability.MutationInvariantViolations.WithLabelValues(string(kind)).Inc()
	e.logger.LogInvariant(ctx, string(kind), target, detail)
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// Reset forgets follow membership and in-flight bookkeeping. Mutations still
// running finish without touching the caches.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight = make(map[guardKey]uint64)
	e.pending = make(map[string]int)
	e.following = make(map[models.Principal]struct{})
}

// InFlight reports whether a mutation of kind is running for target.
func (e *Engine) InFlight(kind Kind, target string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[guardKey{kind: kind, target: target}]
	return ok
}

func (e *Engine) kindInFlightLocked(kind Kind) bool {
	for k := range e.inflight {
		if k.kind == kind {
			return true
		}
	}
	return false
}

func (e *Engine) provisionalID() string {
	return ProvisionalPrefix + e.newID()
}

// IsProvisional reports whether id belongs to an unconfirmed entity.
func IsProvisional(id string) bool {
	return len(id) >= len(ProvisionalPrefix) && id[:len(ProvisionalPrefix)] == ProvisionalPrefix
}

// patchPost applies patch to every cached copy of a post; patch returns the
// inverse for the copy it saw. The combined inverse is returned.
func (e *Engine) patchPost(id string, patch func(p *models.Post) (undo func(p *models.Post))) func() {
	var undos []func()
	for _, l := range e.views.PostLists() {
		list := l
		var undo func(*models.Post)
		if list.Update(id, func(p *models.Post) { undo = patch(p) }) && undo != nil {
			u := undo
			undos = append(undos, func() { list.Update(id, u) })
		}
	}
	return func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}
}

func (e *Engine) markPost(id string) func(bool) {
	return func(on bool) {
		e.views.UpdatePost(id, func(p *models.Post) { p.Pending = on })
	}
}

// patchUser edits the session user when epoch is current and returns the
// inverse.
func (e *Engine) patchUser(epoch uint64, patch func(u *models.UserProfile) (undo func(u *models.UserProfile))) func() {
	var undo func(*models.UserProfile)
	e.session.UpdateUser(epoch, func(u *models.UserProfile) { undo = patch(u) })
	return func() {
		if undo != nil {
			e.session.UpdateUser(epoch, undo)
		}
	}
}

// patchProfile edits a cached profile and returns the inverse.
func (e *Engine) patchProfile(p models.Principal, patch func(u *models.UserProfile) (undo func(u *models.UserProfile))) func() {
	var undo func(*models.UserProfile)
	e.views.Profiles.Update(p.String(), func(u *models.UserProfile) { undo = patch(u) })
	return func() {
		if undo != nil {
			e.views.Profiles.Update(p.String(), undo)
		}
	}
}

func combine(reverts ...func()) func() {
	return func() {
		for i := len(reverts) - 1; i >= 0; i-- {
			reverts[i]()
		}
	}
}

// addCount adds delta to *n, clamping at zero. It returns the delta actually
// applied and whether clamping occurred.
func addCount(n *uint64, delta int64) (applied int64, clamped bool) {
	if delta >= 0 {
		*n += uint64(delta)
		return delta, false
	}
	dec := uint64(-delta)
	if *n < dec {
		applied = -int64(*n)
		*n = 0
		return applied, true
	}
	*n -= dec
	return delta, false
}

func nowNanos(t time.Time) uint64 {
	return uint64(t.UnixNano())
}
