package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"blockverse/internal/featureflags"
	"blockverse/internal/feed"
	"blockverse/internal/mutation"
	"blockverse/internal/observability"
	"blockverse/internal/session"

	"golang.org/x/sync/errgroup"
)

// SupervisorConfig selects the push source.
type SupervisorConfig struct {
	PushURL      string
	PollInterval time.Duration
	CallTimeout  time.Duration
}

// Supervisor follows the session: on authentication it preloads the feed and
// follow membership and starts the push pipeline; on sign-out it stops the
// pipeline and discards every cache.
type Supervisor struct {
	cfg     SupervisorConfig
	session *session.Manager
	views   *feed.Views
	engine  *mutation.Engine
	flags   *featureflags.Manager
	logger  *slog.Logger

	// now seeds the poller when the feed is empty.
	now func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

func NewSupervisor(cfg SupervisorConfig, m *session.Manager, views *feed.Views, engine *mutation.Engine, flags *featureflags.Manager) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		session: m,
		views:   views,
		engine:  engine,
		flags:   flags,
		logger:  observability.GlobalLogger.With(slog.String("component", "supervisor")),
		now:     time.Now,
	}
}

// Attach registers the supervisor with the session. Register it before the
// session is initialized so a restored login is seen.
func (s *Supervisor) Attach() {
	s.session.OnTransition(s.onTransition)
}

func (s *Supervisor) onTransition(ctx context.Context, _, to session.State, snap session.Snapshot) {
	switch to {
	case session.StateAuthenticated:
		s.start(snap)
	case session.StateUnauthenticated:
		s.Stop()
		s.views.Reset()
		s.engine.Reset()
	}
}

// Running reports whether a push pipeline is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) start(snap session.Snapshot) {
	s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus()
	messages, err := bus.Subscribe(ctx)
	if err != nil {
		cancel()
		s.logger.Error("subscribe to push bus", slog.String("error", err.Error()))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	router := NewRouter(s.views, s.session)
	g.Go(func() error {
		router.Consume(gctx, messages)
		return nil
	})
	g.Go(func() error {
		s.preload(gctx)
		return s.source(snap, bus).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return bus.Close()
	})

	s.mu.Lock()
	s.cancel, s.group, s.running = cancel, g, true
	s.mu.Unlock()
	s.logger.Info("push pipeline started", slog.String("principal", snap.Principal.String()))
}

type runner interface {
	Run(ctx context.Context) error
}

// source picks the websocket listener when a push endpoint is configured and
// enabled for the principal, and the poller otherwise.
func (s *Supervisor) source(snap session.Snapshot, out Publisher) runner {
	if s.cfg.PushURL != "" && s.flags.Enabled(featureflags.RealtimeWebsocket, snap.Principal.String()) {
		return NewListener(s.cfg.PushURL, s.session.AuthToken, out)
	}
	return NewPoller(s.session, out, s.cfg.PollInterval, s.cfg.CallTimeout, s.since())
}

// since is the newest cached feed timestamp, or now for an empty feed.
func (s *Supervisor) since() uint64 {
	var newest uint64
	for _, p := range s.views.Feed.Items() {
		if p.CreatedAt > newest {
			newest = p.CreatedAt
		}
	}
	if newest == 0 {
		return uint64(s.now().UnixNano())
	}
	return newest
}

// preload failures are logged; the views load lazily on first use instead.
func (s *Supervisor) preload(ctx context.Context) {
	span, ctx := observability.StartSpan(ctx, "supervisor.preload")
	defer span.End()

	if !s.views.Feed.Loaded() {
		if _, err := s.views.Feed.LoadPage(ctx, 0); err != nil && ctx.Err() == nil {
			span.SetError(err)
			s.logger.WarnContext(ctx, "preload feed", slog.String("error", err.Error()))
		}
	}
	if err := s.engine.LoadFollowing(ctx); err != nil && ctx.Err() == nil {
		span.SetError(err)
		s.logger.WarnContext(ctx, "preload following", slog.String("error", err.Error()))
	}
}

// Stop cancels the push pipeline and waits for it to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel, s.group, s.running = nil, nil, false
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if err := g.Wait(); err != nil {
		s.logger.Warn("push pipeline stopped", slog.String("error", err.Error()))
	}
}
