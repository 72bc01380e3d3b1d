package client

import (
	"context"
	"fmt"
	"time"

	"github.com/TheMichaelB/habitsync/internal/config"
	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/router"
	"github.com/TheMichaelB/habitsync/internal/services/auth"
	"github.com/TheMichaelB/habitsync/internal/storage"
	"github.com/TheMichaelB/habitsync/internal/transport"
)

// buildEndpoints turns the endpoint union of cfg into router endpoints.
func (c *Client) buildEndpoints(ctx context.Context, cfg *config.Config) ([]router.Endpoint, error) {
	endpoints := make([]router.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		provider, err := c.buildProvider(ctx, cfg, ep)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
		}
		endpoints = append(endpoints, router.Endpoint{
			Name:     ep.Name,
			Priority: ep.Priority,
			Enabled:  !ep.Disabled,
			Provider: provider,
		})
	}
	return endpoints, nil
}

// retryPolicy fits every attempt of an endpoint, with its backoff delays,
// into the router's per-endpoint budget. A shorter endpoint timeout narrows
// the budget.
func retryPolicy(cfg *config.Config, timeout time.Duration) transport.RetryPolicy {
	budget := cfg.Router.RequestTimeout
	if timeout > 0 && timeout < budget {
		budget = timeout
	}
	return transport.SplitBudget(budget, cfg.Router.MaxRetries, cfg.Router.RetryDelay)
}

func (c *Client) buildProvider(ctx context.Context, cfg *config.Config, ep config.EndpointConfig) (storage.Provider, error) {
	if err := ep.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	switch ep.Kind {
	case config.KindWebDAV:
		return storage.NewWebDAVProvider(storage.WebDAVOptions{
			Name:       ep.Name,
			ServerURL:  ep.WebDAV.ServerURL,
			Username:   ep.WebDAV.Username,
			Password:   ep.WebDAV.Password,
			FolderName: ep.WebDAV.FolderName,
			Retry:      retryPolicy(cfg, ep.WebDAV.Timeout),
		}, c.doer, c.logger)

	case config.KindREST:
		tokens, err := c.tokenSource(cfg, ep.REST)
		if err != nil {
			return nil, err
		}
		return storage.NewRESTProvider(storage.RESTOptions{
			Name:       ep.Name,
			APIURL:     ep.REST.APIURL,
			UploadURL:  ep.REST.UploadURL,
			FolderName: ep.REST.FolderName,
			Retry:      retryPolicy(cfg, ep.REST.Timeout),
		}, c.doer, tokens, c.logger)

	case config.KindS3:
		opts := storage.S3Options{
			Name:            ep.Name,
			Bucket:          ep.S3.Bucket,
			Prefix:          ep.S3.Prefix,
			Region:          ep.S3.Region,
			Endpoint:        ep.S3.Endpoint,
			AccessKeyID:     ep.S3.AccessKeyID,
			SecretAccessKey: ep.S3.SecretAccessKey,
			UsePathStyle:    ep.S3.UsePathStyle,
			Retry:           retryPolicy(cfg, 0),
		}
		api, err := storage.NewS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		return storage.NewS3Provider(opts, api, c.logger)

	case config.KindLocal:
		return storage.NewLocalProvider(ep.Name, ep.Local.Root, c.logger)
	}

	return nil, fmt.Errorf("%w: unknown endpoint kind %q", models.ErrInvalidConfig, ep.Kind)
}

// tokenSource prefers the OAuth flow; a static access token is the
// fallback for pre-issued credentials.
func (c *Client) tokenSource(cfg *config.Config, rest *config.RESTConfig) (storage.TokenSource, error) {
	if cfg.OAuth.Configured() {
		return c.Auth, nil
	}
	if rest.AccessToken != "" {
		return auth.StaticToken(rest.AccessToken), nil
	}
	return nil, fmt.Errorf("%w: rest endpoint needs oauth or access_token", models.ErrInvalidConfig)
}
