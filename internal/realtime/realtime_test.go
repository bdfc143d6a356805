package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"blockverse/internal/actor"
	"blockverse/internal/actor/actortest"
	"blockverse/internal/feed"
	"blockverse/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const viewer = models.Principal("viewer-principal")

type source struct {
	a *actor.Actor
}

func (s source) CurrentActor() (*actor.Actor, error) {
	if s.a == nil {
		return nil, models.NewNotAuthenticatedError()
	}
	return s.a, nil
}

type recorder struct {
	mu       sync.Mutex
	messages [][]byte
}

func (r *recorder) Publish(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, payload)
	return nil
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) Posts(t *testing.T) []models.Post {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Post, 0, len(r.messages))
	for _, raw := range r.messages {
		_, p, err := DecodePost(raw, viewer)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func newRouter(t *testing.T, f *actortest.Fake) (*Router, *feed.Views) {
	src := source{a: actortest.Bind(t, f, viewer)}
	views := feed.NewViews(src, 10, time.Second)
	return NewRouter(views, src), views
}

func randomPost(id string) models.Post {
	return models.Post{
		ID:         id,
		Author:     models.Principal(gofakeit.Username()),
		Content:    gofakeit.Sentence(6),
		LikesCount: uint64(gofakeit.Number(0, 50)),
		CreatedAt:  uint64(gofakeit.Number(1, 1_000_000)),
	}
}

func TestDecodePost(t *testing.T) {
	raw := []byte(`{"type":"post_updated","data":{"id":"p1","author":"a","content":"hi","likes":["viewer-principal"],"likes_count":1}}`)
	typ, p, err := DecodePost(raw, viewer)
	require.NoError(t, err)
	assert.Equal(t, TypePostUpdated, typ)
	assert.Equal(t, "p1", p.ID)
	assert.True(t, p.LikedByCurrentUser)
	assert.True(t, p.LikeStateKnown)

	_, p, err = DecodePost([]byte(`{"type":"new_post","data":{"id":"p2"}}`), viewer)
	require.NoError(t, err)
	assert.False(t, p.LikeStateKnown)

	tests := map[string]string{
		"not json":     `nope`,
		"unknown type": `{"type":"deleted","data":{"id":"p1"}}`,
		"bad payload":  `{"type":"new_post","data":"p1"}`,
		"missing id":   `{"type":"new_post","data":{"content":"x"}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodePost([]byte(raw), viewer)
			assert.Error(t, err)
		})
	}
}

func TestRouter_NewPostPrepends(t *testing.T) {
	r, views := newRouter(t, actortest.NewFake())
	views.Feed.PrependNew(models.Post{ID: "old"})

	raw, err := EncodePost(TypeNewPost, randomPost("fresh"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, r.Handle(context.Background(), raw))

	items := views.Feed.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "fresh", items[0].ID)
}

func TestRouter_RepeatedNewPostMergesInPlace(t *testing.T) {
	r, views := newRouter(t, actortest.NewFake())
	views.Feed.PrependNew(models.Post{ID: "p1", Pending: true, LikesCount: 1})
	views.Feed.PrependNew(models.Post{ID: "p2"})

	update := models.Post{ID: "p1", LikesCount: 4}
	raw, err := EncodePost(TypeNewPost, update)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, r.Handle(context.Background(), raw))

	items := views.Feed.Items()
	require.Len(t, items, 2)
	assert.Equal(t, []string{"p2", "p1"}, []string{items[0].ID, items[1].ID})
	assert.Equal(t, uint64(4), items[1].LikesCount)
	assert.True(t, items[1].Pending)
}

func TestRouter_UpdateNeverInserts(t *testing.T) {
	r, views := newRouter(t, actortest.NewFake())
	views.Feed.PrependNew(models.Post{ID: "p1", Content: "before"})

	raw, err := EncodePost(TypePostUpdated, models.Post{ID: "unknown"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, r.Handle(context.Background(), raw))
	assert.Equal(t, 1, views.Feed.Len())

	raw, err = EncodePost(TypePostUpdated, models.Post{ID: "p1", Content: "after"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, r.Handle(context.Background(), raw))
	p, _ := views.Feed.Get("p1")
	assert.Equal(t, "after", p.Content)
}

func TestRouter_IgnoresWhenSignedOut(t *testing.T) {
	views := feed.NewViews(source{}, 10, time.Second)
	r := NewRouter(views, source{})

	raw, err := EncodePost(TypeNewPost, randomPost("p1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, r.Handle(context.Background(), raw))
	assert.Zero(t, views.Feed.Len())
}

func TestRouter_Malformed(t *testing.T) {
	r, views := newRouter(t, actortest.NewFake())
	assert.Equal(t, OutcomeMalformed, r.Handle(context.Background(), []byte(`{"type":"new_post"}`)))
	assert.Zero(t, views.Feed.Len())
}

func TestRouter_RunConsumesBus(t *testing.T) {
	r, views := newRouter(t, actortest.NewFake())
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, bus) }()

	raw, err := EncodePost(TypeNewPost, randomPost("via-bus"))
	require.NoError(t, err)
	// The subscription is registered asynchronously; publish until it lands.
	assert.Eventually(t, func() bool {
		_ = bus.Publish(raw)
		_, ok := views.Feed.Get("via-bus")
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, views.Feed.Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}
}

func TestPoller_PublishesOldestFirstAndAdvances(t *testing.T) {
	f := actortest.NewFake()
	f.Return(actor.MethodGetLatestPosts, actortest.Posts(
		models.Post{ID: "c", CreatedAt: 300},
		models.Post{ID: "a", CreatedAt: 100},
		models.Post{ID: "stale", CreatedAt: 50},
		models.Post{ID: "b", CreatedAt: 200},
	))
	out := &recorder{}
	p := NewPoller(source{a: actortest.Bind(t, f, viewer)}, out, time.Minute, time.Second, 50)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(300), p.Since())
	assert.Equal(t, []any{uint64(50)}, f.LastArgs(actor.MethodGetLatestPosts))

	posts := out.Posts(t)
	require.Len(t, posts, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{posts[0].ID, posts[1].ID, posts[2].ID})

	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []any{uint64(300)}, f.LastArgs(actor.MethodGetLatestPosts))
}

func TestPoller_FeedsRouterNewestAtHead(t *testing.T) {
	f := actortest.NewFake()
	f.Return(actor.MethodGetLatestPosts, actortest.Posts(
		models.Post{ID: "late", CreatedAt: 20},
		models.Post{ID: "early", CreatedAt: 10},
	))
	r, views := newRouter(t, f)
	route := publishFunc(func(raw []byte) error {
		r.Handle(context.Background(), raw)
		return nil
	})
	p := NewPoller(source{a: actortest.Bind(t, f, viewer)}, route, time.Minute, time.Second, 0)

	_, err := p.Poll(context.Background())
	require.NoError(t, err)
	items := views.Feed.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "late", items[0].ID)
}

func TestPoller_Errors(t *testing.T) {
	out := &recorder{}
	_, err := NewPoller(source{}, out, time.Minute, time.Second, 0).Poll(context.Background())
	assert.Equal(t, models.KindNotAuthenticated, models.KindOf(err))

	f := actortest.NewFake().Fail(actor.MethodGetLatestPosts, "boom")
	p := NewPoller(source{a: actortest.Bind(t, f, viewer)}, out, time.Minute, time.Second, 7)
	_, err = p.Poll(context.Background())
	assert.Equal(t, models.KindRemote, models.KindOf(err))
	assert.Equal(t, uint64(7), p.Since())
	assert.Zero(t, out.Len())
}

type publishFunc func([]byte) error

func (f publishFunc) Publish(raw []byte) error { return f(raw) }

func TestListener_ReconnectsAndPublishes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		raw, _ := EncodePost(TypeNewPost, models.Post{ID: "p1"})
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}))
	defer srv.Close()

	out := &recorder{}
	l := NewListener("ws"+strings.TrimPrefix(srv.URL, "http"), func() (string, error) { return "tok", nil }, out)
	l.minBackoff = 5 * time.Millisecond
	l.maxBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Eventually(t, func() bool { return out.Len() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, auth)
	assert.Equal(t, "Bearer tok", auth[0])
}

func TestListener_StopsWhileDisconnected(t *testing.T) {
	l := NewListener("ws://127.0.0.1:1/push", nil, &recorder{})
	l.minBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}
