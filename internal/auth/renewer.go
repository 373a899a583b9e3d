package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wing32s/gogrepoc/internal/errors"
	"github.com/wing32s/gogrepoc/internal/metrics"
	"golang.org/x/oauth2"
)

// PersistFunc stores a renewed token so later runs start from it.
type PersistFunc func(token *oauth2.Token) error

type RenewerConfig struct {
	Window     time.Duration // renew when the token expires within this window
	Attempts   int
	RetryDelay time.Duration
	HTTPClient *http.Client // used for the refresh grant when set
	Persist    PersistFunc
}

// Renewer owns the bearer token of a session. Renewals are coalesced:
// concurrent callers that observe the same stale token share one refresh
// round-trip.
type Renewer struct {
	mutex   sync.RWMutex
	renewMu sync.Mutex
	config  *oauth2.Config
	token   *oauth2.Token
	cfg     RenewerConfig
	now     func() time.Time
}

func NewRenewer(config *oauth2.Config, token *oauth2.Token, cfg RenewerConfig) *Renewer {
	if cfg.Window == 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if token == nil {
		token = &oauth2.Token{}
	}
	return &Renewer{
		config: config,
		token:  token,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Token returns the current token, renewing it first when it is missing or
// expires within the configured window.
func (r *Renewer) Token(ctx context.Context) (*oauth2.Token, error) {
	r.mutex.RLock()
	current := r.token
	r.mutex.RUnlock()
	if r.fresh(current) {
		return current, nil
	}
	return r.renew(ctx, current, "proactive")
}

// Invalidate renews after the server rejected stale. If another caller
// already replaced stale, the newer token is returned without a refresh.
func (r *Renewer) Invalidate(ctx context.Context, stale *oauth2.Token) (*oauth2.Token, error) {
	return r.renew(ctx, stale, "reactive")
}

func (r *Renewer) fresh(t *oauth2.Token) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return r.now().Add(r.cfg.Window).Before(t.Expiry)
}

func (r *Renewer) renew(ctx context.Context, stale *oauth2.Token, trigger string) (*oauth2.Token, error) {
	r.renewMu.Lock()
	defer r.renewMu.Unlock()

	r.mutex.RLock()
	current := r.token
	r.mutex.RUnlock()
	if stale != nil && current.AccessToken != stale.AccessToken && r.fresh(current) {
		log.Debug().Str("op", "auth/renewer").Msg("token already renewed by another worker")
		return current, nil
	}
	if current.RefreshToken == "" {
		return nil, errors.NewAuthExpiry(errors.ErrNoRefreshToken, r.config.Endpoint.TokenURL)
	}

	if r.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.cfg.HTTPClient)
	}
	var lastErr error
	for attempt := range r.cfg.Attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.cfg.RetryDelay):
			}
		}
		src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
		token, err := src.Token()
		if err != nil {
			lastErr = err
			log.Warn().Str("op", "auth/renewer").Msgf("token renewal attempt %d failed: %v", attempt+1, err)
			continue
		}
		if token.RefreshToken == "" {
			token.RefreshToken = current.RefreshToken
		}
		r.mutex.Lock()
		r.token = token
		r.mutex.Unlock()
		metrics.TokenRenewals.WithLabelValues(trigger).Inc()
		log.Debug().Str("op", "auth/renewer").Msgf("%s token renewal succeeded, expires %s", trigger, token.Expiry.Format(time.DateTime))
		if r.cfg.Persist != nil {
			if err := r.cfg.Persist(token); err != nil {
				log.Warn().Str("op", "auth/renewer").Msgf("unable to save renewed token: %v", err)
			}
		}
		return token, nil
	}
	return nil, errors.NewAuthExpiry(fmt.Errorf("%w after %d attempts: %v", errors.ErrRenewalExhausted, r.cfg.Attempts, lastErr), r.config.Endpoint.TokenURL)
}
