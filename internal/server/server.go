// Package server exposes the session, caches and mutations to a local UI shell
// over HTTP and a WebSocket change stream.
package server

import (
	"context"
	"encoding/json"
	"time"

	"blockverse/internal/config"
	"blockverse/internal/featureflags"
	"blockverse/internal/feed"
	"blockverse/internal/models"
	"blockverse/internal/mutation"
	"blockverse/internal/observability"
	"blockverse/internal/session"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
)

// Deps are the components the server drives.
type Deps struct {
	Session      *session.Manager
	Views        *feed.Views
	Engine       *mutation.Engine
	FeatureFlags *featureflags.Manager
	// Redis is optional; it is only pinged by the readiness check.
	Redis *redis.Client
}

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	session        *session.Manager
	views          *feed.Views
	engine         *mutation.Engine
	featureFlags   *featureflags.Manager
	redis          *redis.Client
	promMiddleware *fiberprometheus.FiberPrometheus
	hub            *Hub
	unsubscribe    func()
}

// NewServer creates a server and registers its HTTP metrics collectors.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := newServer(cfg, deps)
	s.promMiddleware = fiberprometheus.New("blockverse")
	return s
}

func newServer(cfg *config.Config, deps Deps) *Server {
	flags := deps.FeatureFlags
	if flags == nil {
		flags = featureflags.NewManager(cfg.FeatureFlags)
	}
	s := &Server{
		config:       cfg,
		session:      deps.Session,
		views:        deps.Views,
		engine:       deps.Engine,
		featureFlags: flags,
		redis:        deps.Redis,
		hub:          NewHub(),
	}

	s.unsubscribe = s.views.Feed.Subscribe(func(ch feed.Change[models.Post]) {
		s.hub.Publish("feed", ch)
	})
	// Profiles stream only edits; their loads are answered over HTTP.
	cancelProfiles := s.views.Profiles.Subscribe(func(ch feed.Change[models.UserProfile]) {
		if ch.Kind == feed.ChangeUpdate {
			s.hub.Publish("profile", ch)
		}
	})
	cancelFeed := s.unsubscribe
	s.unsubscribe = func() {
		cancelFeed()
		cancelProfiles()
	}
	s.session.OnTransition(func(_ context.Context, _, _ session.State, snap session.Snapshot) {
		s.hub.Publish("session", snap)
	})
	return s
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	app.Use(contextMiddleware())

	if s.promMiddleware != nil {
		app.Use(s.promMiddleware.Middleware)
	}

	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		MaxAge:       86400,
	}))
}

// contextMiddleware carries the request id into the request context as the
// correlation id picked up by every logger.
func contextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, _ := c.Locals("requestid").(string)
		if id == "" {
			id = observability.GenerateCorrelationID()
		}
		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
		return c.Next()
	}
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health", s.HealthCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")

	sess := api.Group("/session")
	sess.Get("/", s.GetSession)
	sess.Post("/login", s.Login)
	sess.Post("/logout", s.Logout)

	api.Get("/feature-flags", s.GetFeatureFlags)

	// Everything below needs a bound actor.
	protected := api.Group("", s.AuthRequired())

	feedGroup := protected.Group("/feed")
	feedGroup.Get("/", s.GetFeed)
	feedGroup.Post("/more", s.LoadMoreFeed)
	feedGroup.Post("/refresh", s.RefreshFeed)

	posts := protected.Group("/posts")
	posts.Post("/", s.CreatePost)
	// Define specific /:id/:resource routes BEFORE generic /:id route
	posts.Post("/:id/like", s.LikePost)
	posts.Delete("/:id/like", s.UnlikePost)
	posts.Post("/:id/share", s.SharePost)
	posts.Get("/:id/comments", s.GetComments)
	posts.Post("/:id/comments", s.CreateComment)
	posts.Delete("/:id/comments", s.CloseComments)
	posts.Get("/:id", s.GetPost)
	posts.Delete("/:id", s.RemovePost)

	protected.Post("/comments/:id/like", s.LikeComment)

	users := protected.Group("/users")
	users.Get("/:id/posts", s.GetUserPosts)
	users.Delete("/:id/posts", s.CloseUserPosts)
	users.Get("/:id/followers", s.GetUserFollowers)
	users.Post("/:id/follow", s.FollowUser)
	users.Delete("/:id/follow", s.UnfollowUser)
	users.Post("/:id/tip", s.TipUser)
	users.Get("/:id", s.GetUserProfile)

	protected.Put("/profile", s.UpdateProfile)
	protected.Get("/balance", s.GetBalance)

	search := protected.Group("/search", s.FeatureRequired(featureflags.Search))
	search.Get("/users", s.SearchUsers)
	search.Get("/posts", s.SearchPosts)

	app.Get("/ws", s.UpgradeRequired(), s.StreamHandler())
}

// Shutdown closes every stream client and detaches from the caches.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return s.hub.Shutdown(ctx)
}

// HealthCheck reports the session state and, when configured, Redis.
func (s *Server) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overall := "healthy"
	if redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status":  overall,
		"session": s.session.State(),
		"checks": fiber.Map{
			"redis": redisStatus,
		},
		"time": time.Now(),
	})
}

// AuthRequired rejects requests while no actor is bound.
func (s *Server) AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		a, err := s.session.CurrentActor()
		if err != nil {
			return respondError(c, err)
		}
		c.Locals("principal", a.Principal())
		return c.Next()
	}
}

// FeatureRequired hides routes behind a feature flag evaluated for the caller.
func (s *Server) FeatureRequired(flag string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !s.featureFlags.Enabled(flag, principal(c).String()) {
			return models.RespondWithError(c, fiber.StatusNotFound, models.NewNotFoundError("feature", flag))
		}
		return c.Next()
	}
}

// GetFeatureFlags returns configured feature flags and evaluated state for the caller.
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	subject := ""
	if a, err := s.session.CurrentActor(); err == nil {
		subject = a.Principal().String()
	}
	return c.JSON(fiber.Map{
		"raw":       s.featureFlags.Raw(),
		"evaluated": s.featureFlags.Snapshot(subject),
	})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return data
}
