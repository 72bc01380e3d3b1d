package client

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/TheMichaelB/habitsync/internal/config"
	"github.com/TheMichaelB/habitsync/internal/crypto"
	"github.com/TheMichaelB/habitsync/internal/device"
	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/metrics"
	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/router"
	"github.com/TheMichaelB/habitsync/internal/services/auth"
	"github.com/TheMichaelB/habitsync/internal/services/sync"
	"github.com/TheMichaelB/habitsync/internal/transport"
)

// Client provides the high-level API for habitsync operations.
type Client struct {
	Auth    *auth.Service
	Devices *device.Service
	Sync    *sync.Service
	Router  *router.Router
	Crypto  *crypto.Engine
	Metrics *metrics.Recorder

	config *config.Config
	logger *events.Logger
	store  device.Store
	doer   transport.Doer

	mu            gosync.Mutex
	metricsServer *metrics.Server
}

// New wires a client from configuration. Endpoints are built but not
// contacted until the first request or Start.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	class, err := models.ParseDeviceClass(cfg.Device.Class)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	store, err := openDeviceStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		Auth:    auth.NewService(cfg.OAuth, cfg.Storage.TokenFile, logger),
		Crypto:  crypto.NewEngine(crypto.NewProvider(cfg.Crypto.Iterations), logger),
		Metrics: metrics.NewRecorder(),
		config:  cfg,
		logger:  logger.WithField("component", "client"),
		store:   store,
		doer: transport.NewHTTPClient(transport.ClientOptions{
			Timeout:            cfg.Router.RequestTimeout,
			InsecureSkipVerify: cfg.Dev.InsecureSkipVerify,
		}, logger),
	}

	endpoints, err := c.buildEndpoints(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	c.Router, err = router.New(c.routerConfig(cfg, endpoints), logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	c.Devices = device.NewService(store, class, logger)
	c.Devices.OnSessionCleared(func(context.Context) error {
		c.Crypto.ClearKeys()
		c.Router.PurgeCache()
		c.Sync.SetScope("")
		return nil
	})

	c.Sync = sync.NewService(c.Router, c.Crypto, &sync.Config{
		MaxConcurrent: cfg.Sync.MaxConcurrent,
	}, logger)

	c.logger.WithField("endpoints", len(endpoints)).Debug("Client initialized")
	return c, nil
}

func openDeviceStore(ctx context.Context, cfg *config.Config, logger *events.Logger) (device.Store, error) {
	switch cfg.Storage.DeviceStore {
	case "sqlite":
		return device.NewSQLiteStore(ctx, cfg.Storage.DeviceDB, logger)
	case "json", "":
		return device.NewJSONStore(cfg.Storage.DeviceFile, logger)
	default:
		return nil, fmt.Errorf("%w: unknown device store %q", models.ErrInvalidConfig, cfg.Storage.DeviceStore)
	}
}

func (c *Client) routerConfig(cfg *config.Config, endpoints []router.Endpoint) router.Config {
	return router.Config{
		Endpoints:        endpoints,
		FailureThreshold: cfg.Router.FailureThreshold,
		Cooldown:         cfg.Router.Cooldown,
		HealthInterval:   cfg.Router.HealthInterval,
		RequestTimeout:   cfg.Router.RequestTimeout,
		DegradedLatency:  cfg.Router.DegradedLatency,
		Cache: router.CacheConfig{
			MaxEntries: cfg.Router.Cache.MaxEntries,
			DefaultTTL: cfg.Router.Cache.DefaultTTL,
			MaxStale:   cfg.Router.Cache.MaxStale,
			TTLs:       cfg.Router.Cache.TTLs,
		},
		Metrics: c.Metrics,
	}
}

// Reload applies a new endpoint and router configuration. Health and
// breaker state start over; cached responses survive.
func (c *Client) Reload(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	endpoints, err := c.buildEndpoints(ctx, cfg)
	if err != nil {
		return err
	}
	if err := c.Router.Reload(c.routerConfig(cfg, endpoints)); err != nil {
		return err
	}

	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	c.logger.WithField("endpoints", len(endpoints)).Info("Configuration reloaded")
	return nil
}

// Config returns the active configuration.
func (c *Client) Config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Link registers this device with user's account and scopes the sync
// cache to the new session.
func (c *Client) Link(ctx context.Context, user models.User, displayName string) (*models.Device, error) {
	if displayName == "" {
		displayName = c.Config().Device.Name
	}
	d, err := c.Devices.RegisterCurrentDevice(ctx, user, displayName)
	if err != nil {
		return nil, err
	}
	c.Sync.SetScope((&models.Session{UserID: user.ID, DeviceID: d.DeviceID}).CacheScope())
	return d, nil
}

// ResumeSession restores the stored session, if its device is still
// linked.
func (c *Client) ResumeSession(ctx context.Context) (*models.Session, error) {
	session, err := c.Devices.ResumeSession(ctx)
	if err != nil {
		return nil, err
	}
	c.Sync.SetScope(session.CacheScope())
	return session, nil
}

// SignOut unlinks this device and drops keys and cached responses.
func (c *Client) SignOut(ctx context.Context) error {
	return c.Devices.SignOut(ctx)
}

// MigrateDevices copies the device store into dst.
func (c *Client) MigrateDevices(ctx context.Context, dst device.Store) error {
	return device.Migrate(ctx, c.store, dst)
}

// Start begins health probing and, if enabled, metrics exposition.
func (c *Client) Start(ctx context.Context) error {
	c.Router.Start(ctx)

	cfg := c.Config()
	if !cfg.Metrics.Enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metricsServer != nil {
		return nil
	}
	srv, err := metrics.Serve(cfg.Metrics.Listen, c.Metrics)
	if err != nil {
		return err
	}
	c.metricsServer = srv
	c.logger.WithField("addr", srv.Addr()).Info("Metrics server listening")
	return nil
}

// MetricsAddr returns the metrics listener address, or "" when not
// serving.
func (c *Client) MetricsAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metricsServer == nil {
		return ""
	}
	return c.metricsServer.Addr()
}

// Close stops background work, releases the device store and discards
// key material.
func (c *Client) Close(ctx context.Context) error {
	c.Router.Stop()
	c.Crypto.ClearKeys()

	var errs []error
	c.mu.Lock()
	if c.metricsServer != nil {
		errs = append(errs, c.metricsServer.Shutdown(ctx))
		c.metricsServer = nil
	}
	c.mu.Unlock()

	errs = append(errs, c.store.Close())
	return errors.Join(errs...)
}
