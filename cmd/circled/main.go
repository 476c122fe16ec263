package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/privatecircle/messenger/internal/chat"
	"github.com/privatecircle/messenger/internal/config"
	"github.com/privatecircle/messenger/internal/database"
	"github.com/privatecircle/messenger/internal/identity"
	"github.com/privatecircle/messenger/internal/logging"
	"github.com/privatecircle/messenger/internal/models"
	"github.com/privatecircle/messenger/internal/notify"
	"github.com/privatecircle/messenger/internal/session"
	"github.com/privatecircle/messenger/internal/social"
	"github.com/privatecircle/messenger/internal/store"
)

func main() {
	if err := run(); err != nil {
		logging.Error("Application error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	// Initialize logger
	logger := logging.New()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.App.Debug {
		logger.SetLevel(logging.LevelDebug)
		logging.SetDefaultLevel(logging.LevelDebug)
		logger.Debug("Debug logging enabled", map[string]interface{}{
			"env": cfg.App.Environment,
		})
	}

	logger.Info("Starting Private Circle sync core...")

	// Connect to PostgreSQL
	logger.Info("Connecting to PostgreSQL", map[string]interface{}{
		"host": cfg.Database.Host,
		"port": cfg.Database.Port,
	})
	db, err := database.NewPostgresDB(cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	logger.Info("Running database migrations...")
	migrator, err := database.NewMigrator(cfg.Database.DSN(), "migrations")
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return fmt.Errorf("running migrations: %w", err)
	}
	_ = migrator.Close()
	logger.Info("Migrations completed")

	// Connect to Redis
	logger.Info("Connecting to Redis", map[string]interface{}{
		"addr": cfg.Redis.Addr(),
	})
	redisDB, err := database.NewRedisDB(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() { _ = redisDB.Close() }()
	logger.Info("Connected to Redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire the core
	dbAdapter := database.NewPoolAdapter(db.Pool)
	documents := store.NewPostgres(dbAdapter, store.NewRedisBroadcast(redisDB.Client))
	provider := identity.NewLocal(dbAdapter)

	var google *identity.OIDC
	if cfg.OAuth.Google.Enabled {
		google, err = identity.NewOIDC(ctx, identity.OIDCConfig{
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURL:  cfg.OAuth.Google.RedirectURL,
			IssuerURL:    cfg.OAuth.Google.IssuerURL,
			Scopes:       cfg.OAuth.Google.Scopes,
		})
		if err != nil {
			return fmt.Errorf("initializing google oidc provider: %w", err)
		}
		logger.Info("Google federated sign-in enabled")
	}

	manager := session.NewManager(provider, documents, session.Options{
		Namespace:      cfg.App.Namespace,
		AvatarMaxWidth: cfg.App.AvatarMaxWidth,
		AvatarQuality:  cfg.App.AvatarQuality,
	})
	graph := social.NewGraph(documents, cfg.App.Namespace)
	graph.SetNotifier(notify.NewEmailNotifier(
		notify.NewSenderFromConfig(cfg.Email),
		provider.EmailByUID,
		cfg.Email.BaseURL,
	))
	profileSync := social.NewProfileSync(documents, cfg.App.Namespace, graph)
	engine := chat.NewEngine(documents, chat.Options{
		Namespace:     cfg.App.Namespace,
		ImageMaxWidth: cfg.App.ChatImageMaxWidth,
		ImageQuality:  cfg.App.ChatImageQuality,
	})

	// Session changes drive the dependent subscriptions: start on
	// sign-in, tear down on sign-out.
	manager.OnChange(func(user *models.User) {
		if user == nil {
			engine.Close()
			if err := profileSync.SetActive(ctx, ""); err != nil {
				logger.Warn("Profile sync teardown failed", map[string]interface{}{"error": err.Error()})
			}
			graph.Stop()
			return
		}
		if err := graph.Start(ctx, user); err != nil {
			logger.Error("Social graph start failed", map[string]interface{}{
				"uid":   user.UID,
				"error": err.Error(),
			})
		}
	})
	go manager.Run(ctx)

	// Optional headless federated sign-in: exchange a code obtained out
	// of band against the nonce the authorization URL was issued with.
	if google != nil {
		if code := os.Getenv("CIRCLE_OIDC_CODE"); code != "" {
			claims, err := google.ExchangeAndVerify(ctx, code, os.Getenv("CIRCLE_OIDC_NONCE"))
			if err != nil {
				return fmt.Errorf("exchanging oidc code: %w", err)
			}
			if _, err := provider.SignInFederated(ctx, claims); err != nil {
				return fmt.Errorf("federated sign-in: %w", err)
			}
		} else {
			state, nonce := uuid.NewString(), uuid.NewString()
			logger.Info("Federated sign-in URL", map[string]interface{}{
				"url":   google.AuthCodeURL(state, nonce),
				"nonce": nonce,
			})
		}
	}

	// Optional headless sign-in, e.g. for soak testing a deployment.
	if email := os.Getenv("CIRCLE_EMAIL"); email != "" {
		if err := manager.SignIn(ctx, email, os.Getenv("CIRCLE_PASSWORD")); err != nil {
			return fmt.Errorf("signing in: %w", err)
		}
		if peer := os.Getenv("CIRCLE_PEER"); peer != "" {
			_, user := manager.User()
			if user == nil {
				// Run delivers the session asynchronously; fall back
				// to watching via OnChange.
				manager.OnChange(func(u *models.User) {
					if u == nil {
						return
					}
					if err := engine.Open(ctx, u, peer); err != nil {
						logger.Error("Conversation open failed", map[string]interface{}{"error": err.Error()})
					}
					if err := profileSync.SetActive(ctx, peer); err != nil {
						logger.Warn("Profile sync start failed", map[string]interface{}{"error": err.Error()})
					}
				})
			} else {
				if err := engine.Open(ctx, user, peer); err != nil {
					return fmt.Errorf("opening conversation: %w", err)
				}
				if err := profileSync.SetActive(ctx, peer); err != nil {
					return fmt.Errorf("starting profile sync: %w", err)
				}
			}
			engine.OnMessages(func(msgs []models.Message) {
				logger.Info("Conversation snapshot", map[string]interface{}{
					"peer":  peer,
					"count": len(msgs),
				})
			})
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	// Dependents first, then the session, then the stores via defers.
	engine.Close()
	if err := profileSync.SetActive(ctx, ""); err != nil {
		logger.Warn("Profile sync teardown failed", map[string]interface{}{"error": err.Error()})
	}
	graph.Stop()
	if err := manager.SignOut(ctx); err != nil {
		logger.Warn("Sign-out failed", map[string]interface{}{"error": err.Error()})
	}
	cancel()
	logger.Info("Shutdown complete")
	return nil
}
