package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"blockverse/internal/actor"
	"blockverse/internal/actor/actortest"
	"blockverse/internal/identity"
	"blockverse/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const principal = models.Principal("rdmx6-jaaaa-aaaaa-aaadq-abcd1234")

type stubProvider struct {
	isAuthenticatedFn func(ctx context.Context) bool
	getIdentityFn     func(ctx context.Context) (identity.Credential, error)
	loginFn           func(ctx context.Context) (identity.Credential, error)
	logoutCalls       int
	mu                sync.Mutex
}

func (s *stubProvider) IsAuthenticated(ctx context.Context) bool {
	if s.isAuthenticatedFn != nil {
		return s.isAuthenticatedFn(ctx)
	}
	return false
}

func (s *stubProvider) GetIdentity(ctx context.Context) (identity.Credential, error) {
	if s.getIdentityFn != nil {
		return s.getIdentityFn(ctx)
	}
	return identity.Credential{}, identity.ErrNoCredential
}

func (s *stubProvider) Login(ctx context.Context) (identity.Credential, error) {
	if s.loginFn != nil {
		return s.loginFn(ctx)
	}
	return actortest.Credential(principal), nil
}

func (s *stubProvider) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutCalls++
	return nil
}

func (s *stubProvider) logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutCalls
}

func factoryFor(f *actortest.Fake) ActorFactory {
	return func(cred identity.Credential) (*actor.Actor, error) {
		return actor.New(f, cred, "test-canister")
	}
}

func recordTransitions(m *Manager) func() []State {
	var mu sync.Mutex
	var seen []State
	m.OnTransition(func(_ context.Context, _, to State, _ Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, to)
	})
	return func() []State {
		mu.Lock()
		defer mu.Unlock()
		return append([]State(nil), seen...)
	}
}

func TestLogin_CreatesDefaultUser(t *testing.T) {
	created := models.UserProfile{ID: principal, Username: "user_abcd1234", Bio: models.DefaultBio}
	f := actortest.NewFake().
		Return(actor.MethodGetUser, nil).
		Return(actor.MethodCreateUser, created)
	m := NewManager(&stubProvider{}, factoryFor(f), time.Second)
	seen := recordTransitions(m)

	require.NoError(t, m.Login(context.Background()))

	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, []State{StateAuthenticating, StateAuthenticated}, seen())

	args, err := json.Marshal(f.LastArgs(actor.MethodCreateUser))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"username":"user_abcd1234","bio":"Welcome to BlockVerse!","avatar_url":""}]`, string(args))

	user, err := m.CurrentUser()
	require.NoError(t, err)
	assert.Equal(t, created, user)

	a, err := m.CurrentActor()
	require.NoError(t, err)
	assert.Equal(t, principal, a.Principal())
}

func TestLogin_ExistingUserNotRecreated(t *testing.T) {
	existing := models.UserProfile{ID: principal, Username: "alice", PostsCount: 3}
	f := actortest.NewFake().Return(actor.MethodGetUser, existing)
	m := NewManager(&stubProvider{}, factoryFor(f), time.Second)

	require.NoError(t, m.Login(context.Background()))

	assert.Equal(t, 0, f.Count(actor.MethodCreateUser))
	user, err := m.CurrentUser()
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestLogin_FailuresReturnToUnauthenticated(t *testing.T) {
	tests := []struct {
		name    string
		login   func(ctx context.Context) (identity.Credential, error)
		fake    *actortest.Fake
		factory func(f *actortest.Fake) ActorFactory
	}{
		{
			name:  "flow rejected",
			login: func(context.Context) (identity.Credential, error) { return identity.Credential{}, errors.New("user cancelled") },
			fake:  actortest.NewFake(),
		},
		{
			name:  "expired credential cannot bind",
			login: func(context.Context) (identity.Credential, error) { return identity.Credential{Token: "t"}, nil },
			fake:  actortest.NewFake(),
		},
		{
			name: "profile fetch fails",
			fake: actortest.NewFake().Fail(actor.MethodGetUser, "canister trapped"),
		},
		{
			name: "create user fails",
			fake: actortest.NewFake().Return(actor.MethodGetUser, nil).Fail(actor.MethodCreateUser, "Username already taken"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &stubProvider{loginFn: tt.login}
			m := NewManager(provider, factoryFor(tt.fake), time.Second)
			seen := recordTransitions(m)

			err := m.Login(context.Background())
			require.Error(t, err)

			assert.Equal(t, StateUnauthenticated, m.State())
			assert.Equal(t, []State{StateAuthenticating, StateError, StateUnauthenticated}, seen())
			assert.Equal(t, 1, provider.logouts())

			_, err = m.CurrentActor()
			assert.Equal(t, models.KindNotAuthenticated, models.KindOf(err))
			_, err = m.CurrentUser()
			assert.Error(t, err)
			assert.NotEmpty(t, m.Snapshot().LastError)
		})
	}
}

func TestLogin_ProfileTimeoutUnblocks(t *testing.T) {
	gate := actortest.NewGate()
	defer gate.Release()
	f := actortest.NewFake().Handle(actor.MethodGetUser, gate.Wrap(func(context.Context, []any) (any, error) { return nil, nil }))
	m := NewManager(&stubProvider{}, factoryFor(f), 30*time.Millisecond)

	err := m.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateUnauthenticated, m.State())
}

func TestLogin_ConcurrentAttemptRejected(t *testing.T) {
	gate := actortest.NewGate()
	f := actortest.NewFake().Handle(actor.MethodGetUser, gate.Wrap(func(context.Context, []any) (any, error) {
		return models.UserProfile{ID: principal}, nil
	}))
	m := NewManager(&stubProvider{}, factoryFor(f), time.Second)

	done := make(chan error, 1)
	go func() { done <- m.Login(context.Background()) }()
	gate.Wait(t)

	assert.Equal(t, StateAuthenticating, m.State())
	err := m.Login(context.Background())
	assert.Equal(t, models.KindMutationInProgress, models.KindOf(err))
	assert.ErrorIs(t, m.Logout(context.Background()), ErrLoginInProgress)
	_, err = m.CurrentActor()
	assert.Equal(t, models.KindNotAuthenticated, models.KindOf(err))

	gate.Release()
	require.NoError(t, <-done)
	assert.Equal(t, StateAuthenticated, m.State())

	require.NoError(t, m.Login(context.Background()), "login while authenticated is a no-op")
	assert.Equal(t, 1, f.Count(actor.MethodGetUser))
}

func TestLogout(t *testing.T) {
	f := actortest.NewFake().Return(actor.MethodGetUser, models.UserProfile{ID: principal})
	provider := &stubProvider{}
	m := NewManager(provider, factoryFor(f), time.Second)

	require.NoError(t, m.Logout(context.Background()), "no-op when unauthenticated")
	assert.Equal(t, 0, provider.logouts())

	require.NoError(t, m.Login(context.Background()))
	first, err := m.CurrentActor()
	require.NoError(t, err)
	epoch := m.Epoch()

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, StateUnauthenticated, m.State())
	assert.Equal(t, 1, provider.logouts())
	assert.Greater(t, m.Epoch(), epoch)
	_, err = m.CurrentActor()
	assert.Error(t, err)
	_, err = m.AuthToken()
	assert.Error(t, err)

	require.NoError(t, m.Login(context.Background()))
	second, err := m.CurrentActor()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestInitialize(t *testing.T) {
	t.Run("restores valid credential", func(t *testing.T) {
		f := actortest.NewFake().Return(actor.MethodGetUser, models.UserProfile{ID: principal, Username: "alice"})
		provider := &stubProvider{
			isAuthenticatedFn: func(context.Context) bool { return true },
			getIdentityFn: func(context.Context) (identity.Credential, error) {
				return actortest.Credential(principal), nil
			},
		}
		m := NewManager(provider, factoryFor(f), time.Second)

		require.NoError(t, m.Initialize(context.Background()))
		assert.Equal(t, StateAuthenticated, m.State())
		token, err := m.AuthToken()
		require.NoError(t, err)
		assert.Equal(t, "token-"+string(principal), token)

		require.NoError(t, m.Initialize(context.Background()))
		assert.Equal(t, 1, f.Count(actor.MethodGetUser), "initialize runs once")
	})

	t.Run("no credential stays unauthenticated", func(t *testing.T) {
		m := NewManager(&stubProvider{}, factoryFor(actortest.NewFake()), time.Second)
		seen := recordTransitions(m)

		require.NoError(t, m.Initialize(context.Background()))
		assert.Equal(t, StateUnauthenticated, m.State())
		assert.Empty(t, seen())
	})

	t.Run("identity lookup failure", func(t *testing.T) {
		provider := &stubProvider{
			isAuthenticatedFn: func(context.Context) bool { return true },
			getIdentityFn: func(context.Context) (identity.Credential, error) {
				return identity.Credential{}, identity.ErrCredentialExpired
			},
		}
		m := NewManager(provider, factoryFor(actortest.NewFake()), time.Second)

		assert.ErrorIs(t, m.Initialize(context.Background()), identity.ErrCredentialExpired)
		assert.Equal(t, StateUnauthenticated, m.State())
	})

	t.Run("profile failure keeps stored credential", func(t *testing.T) {
		f := actortest.NewFake().Fail(actor.MethodGetUser, "replica busy")
		provider := &stubProvider{
			isAuthenticatedFn: func(context.Context) bool { return true },
			getIdentityFn: func(context.Context) (identity.Credential, error) {
				return actortest.Credential(principal), nil
			},
		}
		m := NewManager(provider, factoryFor(f), time.Second)

		assert.Error(t, m.Initialize(context.Background()))
		assert.Equal(t, StateUnauthenticated, m.State())
		assert.Equal(t, 0, provider.logouts())
	})
}

func TestUpdateUser_StaleEpochIgnored(t *testing.T) {
	f := actortest.NewFake().Return(actor.MethodGetUser, models.UserProfile{ID: principal, Balance: 10})
	m := NewManager(&stubProvider{}, factoryFor(f), time.Second)
	require.NoError(t, m.Login(context.Background()))

	_, epoch, err := m.Bound()
	require.NoError(t, err)

	assert.True(t, m.UpdateUser(epoch, func(u *models.UserProfile) { u.Balance = 20 }))
	assert.False(t, m.UpdateUser(epoch+1, func(u *models.UserProfile) { u.Balance = 99 }))

	user, err := m.CurrentUser()
	require.NoError(t, err)
	assert.Equal(t, uint64(20), user.Balance)

	user.Balance = 0
	again, _ := m.CurrentUser()
	assert.Equal(t, uint64(20), again.Balance, "CurrentUser returns a copy")
}

func TestSetState_RejectsSkippedStates(t *testing.T) {
	m := NewManager(&stubProvider{}, nil, 0)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.setStateLocked(StateAuthenticated)
	assert.Error(t, err)
}
