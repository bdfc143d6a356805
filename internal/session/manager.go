// Package session owns the process-wide authentication state: it drives the
// login flow, binds the remote actor for the resulting credential, resolves
// the caller's profile, and tears all of it down on logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"blockverse/internal/actor"
	"blockverse/internal/identity"
	"blockverse/internal/models"
	"blockverse/internal/observability"
)

// State is a node of the session state machine.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateError           State = "error"
)

var allowedTransitions = map[State][]State{
	StateUnauthenticated: {StateAuthenticating},
	StateAuthenticating:  {StateAuthenticated, StateError},
	StateAuthenticated:   {StateUnauthenticated},
	StateError:           {StateUnauthenticated},
}

// ErrLoginInProgress rejects a login or logout while another login is running.
var ErrLoginInProgress = models.NewMutationInProgressError("login", "session")

// ActorFactory binds an actor to a credential.
type ActorFactory func(cred identity.Credential) (*actor.Actor, error)

// Snapshot is a consistent read of the session.
type Snapshot struct {
	State     State               `json:"state"`
	Principal models.Principal    `json:"principal,omitempty"`
	User      *models.UserProfile `json:"user,omitempty"`
	Epoch     uint64              `json:"epoch"`
	LastError string              `json:"last_error,omitempty"`
}

// Listener observes state transitions. It runs on the goroutine that caused
// the transition, after the session lock is released.
type Listener func(ctx context.Context, from, to State, snap Snapshot)

type transition struct {
	from, to State
	snap     Snapshot
}

// Manager is the single owner of the current actor binding.
type Manager struct {
	provider    identity.Provider
	factory     ActorFactory
	callTimeout time.Duration
	logger      *observability.SessionLogger

	initOnce sync.Once
	initErr  error

	mu         sync.RWMutex
	state      State
	credential *identity.Credential
	actor      *actor.Actor
	user       *models.UserProfile
	epoch      uint64
	lastErr    error
	listeners  []Listener
}

// NewManager creates an unauthenticated session. callTimeout bounds each
// remote call made while resolving the profile; zero disables the bound.
func NewManager(provider identity.Provider, factory ActorFactory, callTimeout time.Duration) *Manager {
	return &Manager{
		provider:    provider,
		factory:     factory,
		callTimeout: callTimeout,
		logger:      observability.NewSessionLogger(),
		state:       StateUnauthenticated,
	}
}

// OnTransition registers l for every subsequent state change.
func (m *Manager) OnTransition(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Initialize restores a previously established credential. Only the first
// call does anything; later calls return the first result.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.initErr = m.initialize(ctx)
	})
	return m.initErr
}

func (m *Manager) initialize(ctx context.Context) error {
	if !m.provider.IsAuthenticated(ctx) {
		return nil
	}
	cred, err := m.provider.GetIdentity(ctx)
	if err != nil {
		m.logger.LogError(ctx, "restore_credential", err)
		return fmt.Errorf("session: restore credential: %w", err)
	}

	if err := m.begin(ctx); err != nil {
		return err
	}
	return m.authenticate(ctx, cred, false)
}

// Login runs the external flow and binds a new actor. Calling it while
// authenticated is a no-op.
func (m *Manager) Login(ctx context.Context) error {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state == StateAuthenticated {
		return nil
	}

	if err := m.begin(ctx); err != nil {
		if errors.Is(err, errAlreadyAuthenticated) {
			return nil
		}
		return err
	}

	cred, err := m.provider.Login(ctx)
	if err != nil {
		return m.fail(ctx, "login_flow", err, true)
	}
	return m.authenticate(ctx, cred, true)
}

var errAlreadyAuthenticated = errors.New("session: already authenticated")

// begin moves Unauthenticated to Authenticating.
func (m *Manager) begin(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateAuthenticated:
		m.mu.Unlock()
		return errAlreadyAuthenticated
	case StateAuthenticating, StateError:
		m.mu.Unlock()
		return ErrLoginInProgress
	}
	t, err := m.setStateLocked(StateAuthenticating)
	m.lastErr = nil
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ctx, t)
	return nil
}

// authenticate binds the actor and resolves the profile. The session is
// Authenticating on entry.
func (m *Manager) authenticate(ctx context.Context, cred identity.Credential, invalidateOnFailure bool) error {
	a, err := m.factory(cred)
	if err != nil {
		return m.fail(ctx, "bind_actor", err, invalidateOnFailure)
	}

	callCtx, cancel := m.withTimeout(ctx)
	user, err := getOrCreateUser(callCtx, a)
	cancel()
	if err != nil {
		return m.fail(ctx, "resolve_profile", err, invalidateOnFailure)
	}

	m.mu.Lock()
	m.credential = &cred
	m.actor = a
	m.user = &user
	m.epoch++
	t, err := m.setStateLocked(StateAuthenticated)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ctx, t)
	return nil
}

// getOrCreateUser fetches the caller's profile, creating a default one on
// first login.
func getOrCreateUser(ctx context.Context, a *actor.Actor) (models.UserProfile, error) {
	existing, err := a.GetUser(ctx, a.Principal())
	if err != nil {
		return models.UserProfile{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	return a.CreateUser(ctx, models.DefaultUsername(a.Principal()), models.DefaultBio, "")
}

// fail records err, passes through Error and lands in Unauthenticated with
// nothing bound.
func (m *Manager) fail(ctx context.Context, step string, cause error, invalidate bool) error {
	m.logger.LogError(ctx, step, cause)

	m.mu.Lock()
	m.lastErr = cause
	m.credential, m.actor, m.user = nil, nil, nil
	toError, errA := m.setStateLocked(StateError)
	m.mu.Unlock()
	if errA == nil {
		m.notify(ctx, toError)
	}

	if invalidate {
		if err := m.provider.Logout(ctx); err != nil {
			m.logger.LogError(ctx, "discard_credential", err)
		}
	}

	m.mu.Lock()
	toUnauth, errB := m.setStateLocked(StateUnauthenticated)
	m.mu.Unlock()
	if errB == nil {
		m.notify(ctx, toUnauth)
	}

	return fmt.Errorf("session: %s: %w", step, cause)
}

// Logout invalidates the credential and discards the binding and profile.
// It is a no-op when unauthenticated.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	switch state {
	case StateUnauthenticated:
		return nil
	case StateAuthenticating:
		return ErrLoginInProgress
	}

	providerErr := m.provider.Logout(ctx)

	m.mu.Lock()
	if m.state != StateAuthenticated && m.state != StateError {
		m.mu.Unlock()
		return providerErr
	}
	m.credential, m.actor, m.user = nil, nil, nil
	m.epoch++
	t, err := m.setStateLocked(StateUnauthenticated)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ctx, t)

	if providerErr != nil {
		return fmt.Errorf("session: invalidate credential: %w", providerErr)
	}
	return nil
}

// CurrentActor returns the bound actor, or NotAuthenticated.
func (m *Manager) CurrentActor() (*actor.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated || m.actor == nil {
		return nil, models.NewNotAuthenticatedError()
	}
	return m.actor, nil
}

// Bound returns the actor together with the epoch it belongs to.
func (m *Manager) Bound() (*actor.Actor, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated || m.actor == nil {
		return nil, 0, models.NewNotAuthenticatedError()
	}
	return m.actor, m.epoch, nil
}

// CurrentUser returns a copy of the caller's profile.
func (m *Manager) CurrentUser() (models.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated || m.user == nil {
		return models.UserProfile{}, models.NewNotAuthenticatedError()
	}
	return *m.user, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Epoch increments every time a binding is created or discarded.
func (m *Manager) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// AuthToken returns the raw token of the bound credential.
func (m *Manager) AuthToken() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated || m.credential == nil {
		return "", models.NewNotAuthenticatedError()
	}
	return m.credential.Token, nil
}

// Snapshot returns a consistent copy of the session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// UpdateUser applies fn to the profile when epoch still matches the current
// binding. It reports whether fn ran.
func (m *Manager) UpdateUser(epoch uint64, fn func(u *models.UserProfile)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated || m.user == nil || m.epoch != epoch {
		return false
	}
	fn(m.user)
	return true
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.state, Epoch: m.epoch}
	if m.credential != nil {
		snap.Principal = m.credential.Principal
	}
	if m.user != nil {
		u := *m.user
		snap.User = &u
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

func (m *Manager) setStateLocked(to State) (transition, error) {
	from := m.state
	for _, next := range allowedTransitions[from] {
		if next == to {
			m.state = to
			return transition{from: from, to: to, snap: m.snapshotLocked()}, nil
		}
	}
	return transition{}, fmt.Errorf("session: illegal transition %s -> %s", from, to)
}

func (m *Manager) notify(ctx context.Context, t transition) {
	observability.SessionTransitions.WithLabelValues(string(t.from), string(t.to)).Inc()
	m.logger.LogTransition(ctx, string(t.from), string(t.to), t.snap.Principal.String())

	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		l(ctx, t.from, t.to, t.snap)
	}
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.callTimeout)
}
