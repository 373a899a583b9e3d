package cmd

import (
	"context"
	"fmt"
	u "net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wing32s/gogrepoc/internal/auth"
	"github.com/wing32s/gogrepoc/internal/config"
	"github.com/wing32s/gogrepoc/internal/manifest"
	"github.com/wing32s/gogrepoc/internal/transfer"
	"github.com/wing32s/gogrepoc/internal/utils"
)

type clientOptions struct {
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	highThread    bool
}

// buildRenewer loads the saved session when token renewal is configured.
// A nil renewer means requests go out unauthenticated.
func buildRenewer(cfg *config.Config) (*auth.Renewer, error) {
	if !cfg.Auth.Enabled() {
		return nil, nil
	}
	token, err := auth.LoadToken(cfg.Auth.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to load session from %s: %w", cfg.Auth.TokenFile, err)
	}
	return auth.NewRenewer(
		auth.OAuthConfig(auth.Credentials{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			TokenURL:     cfg.Auth.TokenURL,
		}),
		token,
		auth.RenewerConfig{
			Window:     cfg.Auth.RenewWindow,
			Attempts:   cfg.Auth.RenewAttempts,
			RetryDelay: cfg.RetryDelay,
			Persist:    auth.FilePersister(cfg.Auth.TokenFile),
		},
	), nil
}

// buildSource wires every transport the entries need behind one router.
func buildSource(ctx context.Context, cfg *config.Config, opts clientOptions, entries []*manifest.Entry) (transfer.Source, error) {
	// Check if proxy URL contains auth
	proxyURL, proxyUsername, proxyPassword := opts.proxyURL, opts.proxyUsername, opts.proxyPassword
	parsedProxy, err := u.Parse(proxyURL)
	if err == nil && parsedProxy.User != nil && proxyUsername == "" {
		proxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			proxyPassword = password
		}
		parsedProxy.User = nil
		proxyURL = parsedProxy.String()
	}
	client := utils.NewHTTPClient(utils.HTTPClientConfig{
		Timeout:           cfg.ConnectTimeout,
		ProxyURL:          proxyURL,
		ProxyUsername:     proxyUsername,
		ProxyPassword:     proxyPassword,
		UserAgent:         cfg.UserAgent,
		Headers:           utils.ParseHeaderArgs(opts.headers),
		HighThreadMode:    opts.highThread || cfg.Workers > 8,
		RequestsPerSecond: int(cfg.RequestsPerSecond),
		Burst:             max(cfg.Workers, 1),
	})
	renewer, err := buildRenewer(cfg)
	if err != nil {
		return nil, err
	}
	transferCfg := transfer.Config{
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		ReadTimeout: cfg.ReadTimeout,
	}
	router := transfer.NewRouter()
	router.Register(transfer.NewHTTPSource(client, renewer, transferCfg), "http", "https")

	if needsS3(entries) {
		s3cfg := transfer.S3Config{}
		if cfg.S3 != nil {
			s3cfg = transfer.S3Config{Profile: cfg.S3.Profile, Region: cfg.S3.Region, Endpoint: cfg.S3.Endpoint}
		}
		s3Client, err := transfer.NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("unable to set up s3 client: %w", err)
		}
		router.Register(transfer.NewS3Source(s3Client, transferCfg), "s3")
	}
	return router, nil
}

func needsS3(entries []*manifest.Entry) bool {
	for _, e := range entries {
		if strings.HasPrefix(strings.ToLower(e.URL), "s3://") {
			return true
		}
	}
	return false
}

func openStore(cfg *config.Config) (*manifest.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store), 0755); err != nil {
		return nil, fmt.Errorf("unable to create store directory: %w", err)
	}
	store, err := manifest.OpenStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("unable to open manifest store %s: %w", cfg.Store, err)
	}
	return store, nil
}

func exitOnError(err error, msg string) {
	if err == nil {
		return
	}
	log.Error().Str("op", "cmd").Msgf("%s: %v", msg, err)
	os.Exit(1)
}
