package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"blockverse/internal/actor"
	"blockverse/internal/actor/actortest"
	"blockverse/internal/config"
	"blockverse/internal/featureflags"
	"blockverse/internal/feed"
	"blockverse/internal/identity"
	"blockverse/internal/models"
	"blockverse/internal/mutation"
	"blockverse/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const me = models.Principal("server-test-principal")

// MockProvider is a mock of the identity.Provider interface
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) IsAuthenticated(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockProvider) GetIdentity(ctx context.Context) (identity.Credential, error) {
	args := m.Called(ctx)
	return args.Get(0).(identity.Credential), args.Error(1)
}

func (m *MockProvider) Login(ctx context.Context) (identity.Credential, error) {
	args := m.Called(ctx)
	return args.Get(0).(identity.Credential), args.Error(1)
}

func (m *MockProvider) Logout(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type testEnv struct {
	app      *fiber.App
	fake     *actortest.Fake
	provider *MockProvider
	session  *session.Manager
	views    *feed.Views
	server   *Server
}

func newTestEnv(t *testing.T, flags string) *testEnv {
	t.Helper()
	f := actortest.NewFake().Return(actor.MethodGetUser, models.UserProfile{ID: me, Username: "me", Balance: 1000})
	provider := new(MockProvider)
	provider.On("Login", mock.Anything).Return(actortest.Credential(me), nil).Maybe()
	provider.On("Logout", mock.Anything).Return(nil).Maybe()

	m := session.NewManager(provider, func(cred identity.Credential) (*actor.Actor, error) {
		return actor.New(f, cred, "test-canister")
	}, time.Second)
	views := feed.NewViews(m, 2, time.Second)
	engine := mutation.NewEngine(m, views, time.Second)
	m.OnTransition(func(_ context.Context, _, to session.State, _ session.Snapshot) {
		if to == session.StateUnauthenticated {
			views.Reset()
			engine.Reset()
		}
	})

	cfg := &config.Config{CallTimeout: time.Second, FeatureFlags: flags}
	s := newServer(cfg, Deps{Session: m, Views: views, Engine: engine, FeatureFlags: featureflags.NewManager(flags)})
	app := fiber.New()
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return &testEnv{app: app, fake: f, provider: provider, session: m, views: views, server: s}
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	resp := e.do(t, "POST", "/api/session/login", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, "GET", "/health", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, string(session.StateUnauthenticated), body["session"])
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t, "")
	for _, path := range []string{"/api/feed", "/api/balance", "/api/users/x"} {
		resp := env.do(t, "GET", path, nil)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, path)
		body := decode[models.ErrorResponse](t, resp)
		assert.Equal(t, models.KindNotAuthenticated, body.Code)
	}
	assert.Zero(t, env.fake.Total())
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	env.login(t)
	resp := env.do(t, "GET", "/api/session", nil)
	snap := decode[session.Snapshot](t, resp)
	assert.Equal(t, session.StateAuthenticated, snap.State)
	assert.Equal(t, me, snap.Principal)

	resp = env.do(t, "POST", "/api/session/logout", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	snap = decode[session.Snapshot](t, resp)
	assert.Equal(t, session.StateUnauthenticated, snap.State)
	env.provider.AssertCalled(t, "Logout", mock.Anything)
}

func TestLoginFailureReportsRemoteStatus(t *testing.T) {
	env := newTestEnv(t, "")
	env.fake.Fail(actor.MethodGetUser, "canister stopped")

	resp := env.do(t, "POST", "/api/session/login", nil)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, session.StateUnauthenticated, env.session.State())
	env.provider.AssertNumberOfCalls(t, "Logout", 1)
}

func TestLogoutDuringLoginConflicts(t *testing.T) {
	env := newTestEnv(t, "")
	gate := actortest.NewGate()
	env.fake.Handle(actor.MethodGetUser, gate.Wrap(func(context.Context, []any) (any, error) {
		return models.UserProfile{ID: me}, nil
	}))

	done := make(chan int, 1)
	go func() {
		resp, err := env.app.Test(httptest.NewRequest("POST", "/api/session/login", nil), -1)
		if err != nil {
			done <- 0
			return
		}
		done <- resp.StatusCode
	}()
	gate.Wait(t)

	resp := env.do(t, "POST", "/api/session/logout", nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, models.KindMutationInProgress, decode[models.ErrorResponse](t, resp).Code)

	gate.Release()
	assert.Equal(t, fiber.StatusOK, <-done)
}

func TestFeedPaging(t *testing.T) {
	env := newTestEnv(t, "")
	env.fake.Handle(actor.MethodGetFeed, func(_ context.Context, args []any) (any, error) {
		offset := args[2].(int)
		all := []models.Post{{ID: "a"}, {ID: "b"}, {ID: "c"}}
		if offset >= len(all) {
			return actortest.Posts(), nil
		}
		end := min(offset+2, len(all))
		return actortest.Posts(all[offset:end]...), nil
	})
	env.login(t)

	resp := env.do(t, "GET", "/api/feed", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	page := decode[pageResponse[models.Post]](t, resp)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	resp = env.do(t, "POST", "/api/feed/more", nil)
	page = decode[pageResponse[models.Post]](t, resp)
	assert.Len(t, page.Items, 3)
	assert.False(t, page.HasMore)

	env.do(t, "GET", "/api/feed", nil)
	assert.Equal(t, 2, env.fake.Count(actor.MethodGetFeed), "a loaded feed is served from cache")
}

func TestLikeEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	env.fake.Handle(actor.MethodLikePost, func(context.Context, []any) (any, error) { return nil, nil })
	env.login(t)
	env.views.Feed.PrependNew(models.Post{ID: "p1", LikesCount: 1})

	resp := env.do(t, "POST", "/api/posts/p1/like", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	post := decode[models.Post](t, resp)
	assert.True(t, post.LikedByCurrentUser)
	assert.Equal(t, uint64(2), post.LikesCount)

	resp = env.do(t, "POST", "/api/posts/p1/like", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, "POST", "/api/posts/missing/like", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	env.fake.Fail(actor.MethodUnlikePost, "Post not found")
	resp = env.do(t, "DELETE", "/api/posts/p1/like", nil)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	cached, _ := env.views.Feed.Get("p1")
	assert.True(t, cached.LikedByCurrentUser)
}

func TestCreatePostTimeout(t *testing.T) {
	env := newTestEnv(t, "")
	env.fake.Handle(actor.MethodCreatePost, func(context.Context, []any) (any, error) {
		return nil, context.DeadlineExceeded
	})
	env.login(t)

	resp := env.do(t, "POST", "/api/posts", map[string]any{"content": "hello"})
	assert.Equal(t, fiber.StatusGatewayTimeout, resp.StatusCode)
	assert.Zero(t, env.views.Feed.Len())

	resp = env.do(t, "POST", "/api/posts", map[string]any{"content": ""})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestTipEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.fake.Handle(actor.MethodTipUser, func(context.Context, []any) (any, error) { return nil, nil })
	env.login(t)

	tests := []struct {
		name   string
		target string
		body   string
		status int
		code   models.Kind
	}{
		{"text amount", "other", `{"amount":"ten"}`, fiber.StatusBadRequest, models.KindInvalidAmount},
		{"fraction", "other", `{"amount":1.5}`, fiber.StatusBadRequest, models.KindInvalidAmount},
		{"missing", "other", `{}`, fiber.StatusBadRequest, models.KindInvalidAmount},
		{"self", string(me), `{"amount":"ten"}`, fiber.StatusBadRequest, models.KindInvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/users/"+tt.target+"/tip", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := env.app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decode[models.ErrorResponse](t, resp).Code)
		})
	}
	assert.Zero(t, env.fake.Count(actor.MethodTipUser))

	resp := env.do(t, "POST", "/api/users/other/tip", map[string]any{"amount": 250})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.EqualValues(t, 750, body["balance"])
}

func TestFollowEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	env.fake.Handle(actor.MethodFollowUser, func(context.Context, []any) (any, error) { return nil, nil })
	env.login(t)
	env.fake.Return(actor.MethodGetUser, models.UserProfile{ID: "other", FollowersCount: 3})

	resp := env.do(t, "POST", "/api/users/"+string(me)+"/follow", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, models.KindInvalidTarget, decode[models.ErrorResponse](t, resp).Code)

	resp = env.do(t, "GET", "/api/users/other", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = env.do(t, "POST", "/api/users/other/follow", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = env.do(t, "GET", "/api/users/other", nil)
	profile := decode[map[string]any](t, resp)
	assert.Equal(t, true, profile["is_following"])
	assert.EqualValues(t, 4, profile["followers_count"])
}

func TestFollowersEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.fake.Return(actor.MethodGetUserFollowers, []models.Principal{"alice", "bob"})
	env.login(t)

	resp := env.do(t, "GET", "/api/users/other/followers", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decode[struct {
		Followers []models.Principal `json:"followers"`
		Count     int                `json:"count"`
	}](t, resp)
	assert.Equal(t, []models.Principal{"alice", "bob"}, body.Followers)
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, []any{models.Principal("other")}, env.fake.LastArgs(actor.MethodGetUserFollowers))
}

func TestClosingViewsDropsTheirLists(t *testing.T) {
	env := newTestEnv(t, "")
	env.fake.Return(actor.MethodGetPostComments, []models.Comment{{ID: "c1", PostID: "p1"}})
	env.fake.Return(actor.MethodGetUserPosts, actortest.Posts(models.Post{ID: "p1", Author: "other"}))
	env.login(t)

	resp := env.do(t, "GET", "/api/posts/p1/comments", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp = env.do(t, "GET", "/api/users/other/posts", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	_, ok := env.views.CachedComments("p1")
	require.True(t, ok)
	_, ok = env.views.CachedUserPosts("other")
	require.True(t, ok)

	resp = env.do(t, "DELETE", "/api/posts/p1/comments", nil)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	resp = env.do(t, "DELETE", "/api/users/other/posts", nil)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	_, ok = env.views.CachedComments("p1")
	assert.False(t, ok)
	_, ok = env.views.CachedUserPosts("other")
	assert.False(t, ok)
	assert.Len(t, env.views.PostLists(), 1, "only the feed remains")

	resp = env.do(t, "DELETE", "/api/posts/p1/comments", nil)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode, "closing twice is harmless")
}

func TestSearchFlag(t *testing.T) {
	env := newTestEnv(t, "search=off")
	env.login(t)
	resp := env.do(t, "GET", "/api/search/users?q=al", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	env = newTestEnv(t, "")
	env.fake.Return(actor.MethodSearchUsers, []models.UserProfile{{ID: "alice"}})
	env.login(t)
	resp = env.do(t, "GET", "/api/search/users?q=al", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.UserProfile](t, resp), 1)

	resp = env.do(t, "GET", "/api/search/users", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestStreamRequiresUpgrade(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, "GET", "/ws", nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)

	env = newTestEnv(t, "ui_stream=off")
	resp = env.do(t, "GET", "/ws", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.NewNotAuthenticatedError(), fiber.StatusUnauthorized},
		{models.NewMutationInProgressError("like", "p1"), fiber.StatusConflict},
		{models.NewInvalidTargetError("x"), fiber.StatusBadRequest},
		{models.NewInvalidAmountError("x"), fiber.StatusBadRequest},
		{models.NewValidationError("x"), fiber.StatusBadRequest},
		{models.NewNotFoundError("post", "p1"), fiber.StatusNotFound},
		{models.NewRemoteError("like_post", "x"), fiber.StatusBadGateway},
		{models.NewTransportError("like_post", context.DeadlineExceeded), fiber.StatusGatewayTimeout},
		{models.NewTransportError("like_post", errors.New("refused")), fiber.StatusServiceUnavailable},
		{errors.New("plain"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestHubPublishesFeedChanges(t *testing.T) {
	env := newTestEnv(t, "")
	c := &streamClient{send: make(chan []byte, 4)}
	env.server.hub.mu.Lock()
	env.server.hub.clients[c] = struct{}{}
	env.server.hub.mu.Unlock()

	env.views.Feed.PrependNew(models.Post{ID: "p9"})

	select {
	case frame := <-c.send:
		var msg struct {
			Type string                   `json:"type"`
			Data feed.Change[models.Post] `json:"data"`
		}
		require.NoError(t, json.Unmarshal(frame, &msg))
		assert.Equal(t, "feed", msg.Type)
		assert.Equal(t, feed.ChangePrepend, msg.Data.Kind)
		assert.Equal(t, []string{"p9"}, msg.Data.Keys)
	case <-time.After(time.Second):
		t.Fatal("no frame published")
	}

	require.NoError(t, env.server.Shutdown(context.Background()))
	_, open := <-c.send
	assert.False(t, open)
	assert.Zero(t, env.server.hub.Len())
}
