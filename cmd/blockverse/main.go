// Command blockverse runs the social client: it owns the session, caches and
// push pipeline and serves them to a local UI shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"blockverse/internal/actor"
	"blockverse/internal/cache"
	"blockverse/internal/config"
	"blockverse/internal/featureflags"
	"blockverse/internal/feed"
	"blockverse/internal/identity"
	"blockverse/internal/models"
	"blockverse/internal/mutation"
	"blockverse/internal/observability"
	"blockverse/internal/realtime"
	"blockverse/internal/server"
	"blockverse/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !cfg.IsProduction() {
		observability.SetLevel(slog.LevelDebug)
	}

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "blockverse",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   1.0,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	redisClient, store := credentialStore(cfg)

	flow, signingKey, err := loginFlow(cfg)
	if err != nil {
		log.Fatalf("Failed to configure login flow: %v", err)
	}
	provider := identity.NewClient(store, flow, signingKey, cfg.CredentialTTL)

	transport := actor.NewHTTPTransport(cfg.ActorHost, cfg.CanisterID)
	sessions := session.NewManager(provider, func(cred identity.Credential) (*actor.Actor, error) {
		return actor.New(transport, cred, cfg.CanisterID)
	}, cfg.CallTimeout)

	flags := featureflags.NewManager(cfg.FeatureFlags)
	views := feed.NewViews(sessions, cfg.FeedPageSize, cfg.CallTimeout)
	engine := mutation.NewEngine(sessions, views, cfg.CallTimeout)

	supervisor := realtime.NewSupervisor(realtime.SupervisorConfig{
		PushURL:      cfg.PushURL,
		PollInterval: cfg.PollInterval,
		CallTimeout:  cfg.CallTimeout,
	}, sessions, views, engine, flags)
	supervisor.Attach()

	srv := server.NewServer(cfg, server.Deps{
		Session:      sessions,
		Views:        views,
		Engine:       engine,
		FeatureFlags: flags,
		Redis:        redisClient,
	})

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "Blockverse",
		DisableStartupMessage: cfg.IsProduction(),
	})

	// Setup middleware and routes
	srv.SetupMiddleware(app)
	srv.SetupRoutes(app)

	// A stored credential signs the user back in; failure leaves them signed out.
	initCtx, cancelInit := context.WithTimeout(context.Background(), cfg.CallTimeout)
	if err := sessions.Initialize(initCtx); err != nil {
		log.Printf("Session restore failed: %v", err)
	}
	cancelInit()

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := app.ShutdownWithContext(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}

		// Shutdown server resources
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server resource shutdown error: %v", err)
		}
		supervisor.Stop()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("Tracing shutdown error: %v", err)
		}
	}()

	// Start server
	log.Printf("Server starting on port %s...", cfg.Port)
	log.Fatal(app.Listen("127.0.0.1:" + cfg.Port))
}

// credentialStore uses Redis when configured and reachable, and keeps the
// credential in memory otherwise.
func credentialStore(cfg *config.Config) (*redis.Client, identity.Store) {
	if cfg.RedisURL == "" {
		return nil, identity.NewMemoryStore()
	}
	client, err := cache.Connect(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Printf("Redis connection warning: %v (credentials kept in memory)", err)
		return nil, identity.NewMemoryStore()
	}
	return client, identity.NewRedisStore(client, cfg.IdentityClientID)
}

// loginFlow prefers the device authorization flow. Outside production a
// missing provider falls back to locally minted tokens. It also returns the
// key credentials are verified with.
func loginFlow(cfg *config.Config) (identity.LoginFlow, []byte, error) {
	if cfg.IdentityDeviceAuthURL != "" {
		flow, err := identity.NewDeviceFlow(cfg.IdentityClientID, cfg.IdentityDeviceAuthURL, cfg.IdentityTokenURL, "openid")
		if err != nil {
			return nil, nil, err
		}
		flow.Prompt = func(verificationURI, userCode string) {
			fmt.Fprintf(os.Stderr, "To sign in, visit %s and enter code %s\n", verificationURI, userCode)
		}
		return flow, []byte(cfg.IdentitySigningKey), nil
	}
	if cfg.IsProduction() {
		return nil, nil, errors.New("IDENTITY_DEVICE_AUTH_URL is required in production")
	}

	key := cfg.IdentitySigningKey
	if key == "" {
		// Random per-process signing key.
		key = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	log.Printf("Using local login flow for principal %q", cfg.DevPrincipal)
	return identity.LocalFlow{
		Principal:  models.Principal(cfg.DevPrincipal),
		SigningKey: []byte(key),
		TTL:        cfg.CredentialTTL,
	}, []byte(key), nil
}
