package main

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/auth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/config"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/database"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/feedback"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/logging"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/metrics"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/oauth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/revocation"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/sessions"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	feedbackCacheTTL    = 60 * time.Second
	providerHTTPTimeout = 15 * time.Second
)

// application owns the long-lived resources shared by the serve and seed commands.
type application struct {
	logger         *zap.Logger
	db             *gorm.DB
	redis          *redis.Client
	users          *users.Store
	sessions       *sessions.Service
	feedback       *feedback.Service
	providers      *oauth.Registry
	state          *oauth.StateCodec
	metrics        *metrics.Recorder
	metricsHandler http.Handler
}

func newApplication(ctx context.Context, appConfig config.AppConfig) (_ *application, err error) {
	logger, err := logging.NewLogger(logging.Options{Level: appConfig.LogLevel, Format: appConfig.LogFormat})
	if err != nil {
		return nil, err
	}
	app := &application{logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.db, err = database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		DSN:    appConfig.DatabaseDSN,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	app.redis, err = revocation.NewRedisClient(ctx, appConfig.RedisURL)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.metrics, err = metrics.NewRecorder(registry)
	if err != nil {
		return nil, err
	}
	app.metricsHandler = metrics.Handler(registry)

	app.users, err = users.NewStore(users.StoreConfig{Database: app.db})
	if err != nil {
		return nil, err
	}
	revocations, err := revocation.NewRedisStore(revocation.RedisStoreConfig{
		Client: app.redis,
		Logger: logger.Named("revocation"),
	})
	if err != nil {
		return nil, err
	}

	app.sessions, err = sessions.NewService(sessions.ServiceConfig{
		Store:  app.users,
		Hasher: auth.NewBcryptHasher(auth.BcryptHasherConfig{Workers: appConfig.HashWorkers}),
		Tokens: auth.NewTokenIssuer(auth.TokenIssuerConfig{
			Access:  auth.SigningKey{Secret: []byte(appConfig.AccessTokenSecret), TTL: appConfig.AccessTokenTTL},
			Refresh: auth.SigningKey{Secret: []byte(appConfig.RefreshTokenSecret), TTL: appConfig.RefreshTokenTTL},
			Issuer:  appConfig.TokenIssuer,
		}),
		Revocations: revocations,
		Events:      app.metrics,
		Logger:      logger.Named("sessions"),
	})
	if err != nil {
		return nil, err
	}

	app.feedback, err = feedback.NewService(feedback.ServiceConfig{
		Database: app.db,
		Cache:    feedback.NewRedisListCache(app.redis, feedbackCacheTTL),
		Logger:   logger.Named("feedback"),
	})
	if err != nil {
		return nil, err
	}

	app.providers, err = newProviderRegistry(appConfig.OAuth, logger)
	if err != nil {
		return nil, err
	}
	if len(app.providers.Names()) > 0 {
		app.state, err = oauth.NewStateCodec(appConfig.OAuth.StateSecret, 0, nil)
		if err != nil {
			return nil, err
		}
	}
	return app, nil
}

func newProviderRegistry(cfg config.OAuthConfig, logger *zap.Logger) (*oauth.Registry, error) {
	httpClient := &http.Client{Timeout: providerHTTPTimeout}
	var providers []oauth.Provider

	if cfg.Google.Enabled() {
		verifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			ClientID:   cfg.Google.ClientID,
			JWKSURL:    cfg.Google.JWKSURL,
			HTTPClient: httpClient,
			Logger:     logger.Named("google"),
		})
		if err != nil {
			return nil, err
		}
		google, err := oauth.NewGoogleProvider(oauth.GoogleConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			CallbackURL:  cfg.Google.CallbackURL,
			Verifier:     verifier,
			HTTPClient:   httpClient,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, google)
	}

	if cfg.GitHub.Enabled() {
		github, err := oauth.NewGitHubProvider(oauth.GitHubConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			CallbackURL:  cfg.GitHub.CallbackURL,
			HTTPClient:   httpClient,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, github)
	}

	return oauth.NewRegistry(providers...), nil
}

// Close releases the redis client and database in reverse order of acquisition.
func (a *application) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.logger.Warn("database close failed", zap.Error(err))
			}
		}
	}
	_ = a.logger.Sync()
}
