package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zezudoo/wa-download-guard/internal/logger"
	"github.com/zezudoo/wa-download-guard/internal/policy"
	"github.com/zezudoo/wa-download-guard/internal/store"
)

// DefaultRefreshInterval is the periodic refresh cadence
const DefaultRefreshInterval = time.Hour

// PolicyCache owns the persisted policy: it fetches, validates and
// replaces it, and serves it stale-while-revalidate to the decision path.
type PolicyCache struct {
	settings *store.Settings
	fetcher  Fetcher
	logger   *logger.Logger
	now      func() time.Time

	bgTimeout time.Duration
	group     singleflight.Group
	bg        sync.WaitGroup
}

// Config represents policy cache configuration
type Config struct {
	Settings *store.Settings
	Fetcher  Fetcher
	Logger   *logger.Logger
	Now      func() time.Time
	// BackgroundTimeout bounds fire-and-forget refreshes
	BackgroundTimeout time.Duration
}

// NewPolicyCache creates a new policy cache
func NewPolicyCache(config Config) *PolicyCache {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.BackgroundTimeout <= 0 {
		config.BackgroundTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	return &PolicyCache{
		settings:  config.Settings,
		fetcher:   config.Fetcher,
		logger:    config.Logger,
		now:       config.Now,
		bgTimeout: config.BackgroundTimeout,
	}
}

// RefreshResult is the reply to an explicit refresh request
type RefreshResult struct {
	OK        bool            `json:"ok"`
	FetchedAt int64           `json:"fetchedAt"`
	Summary   *policy.Summary `json:"summary"`
	Error     string          `json:"error,omitempty"`
}

// FetchAndApply fetches url, validates the document and replaces the
// cached policy. On any failure the cache is left untouched.
func (c *PolicyCache) FetchAndApply(ctx context.Context, url string) error {
	body, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}

	p, err := policy.Parse(body)
	if err != nil {
		return err
	}

	if err := c.settings.SavePolicy(ctx, p, c.now().Unix()); err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}

	c.logger.Info("policy_applied", "Policy updated", map[string]interface{}{
		"url":        url,
		"extensions": len(p.Allowed.Extensions),
		"mime_types": len(p.Allowed.MIMETypes),
	})
	return nil
}

// Refresh fetches the configured URL and waits for the result
func (c *PolicyCache) Refresh(ctx context.Context) (RefreshResult, error) {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return nil, c.refresh(ctx)
	})

	cached, readErr := c.settings.CachedPolicy(ctx)
	if readErr != nil {
		return RefreshResult{Error: readErr.Error()}, readErr
	}

	result := RefreshResult{
		OK:        cached.Policy != nil,
		FetchedAt: cached.FetchedAt,
	}
	if cached.Policy != nil {
		summary := cached.Policy.Summary()
		result.Summary = &summary
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result, err
}

// RefreshAsync refreshes in a new goroutine. Calls that overlap a running
// refresh share its fetch.
func (c *PolicyCache) RefreshAsync() {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.bgTimeout)
		defer cancel()

		c.group.Do("refresh", func() (interface{}, error) {
			return nil, c.refresh(ctx)
		})
	}()
}

// Wait blocks until all background refreshes have finished
func (c *PolicyCache) Wait() {
	c.bg.Wait()
}

func (c *PolicyCache) refresh(ctx context.Context) error {
	url, err := c.settings.ConfigURL(ctx)
	if err != nil {
		c.logger.Debug("policy_refresh_failed", "Failed to read config URL", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	if err := c.FetchAndApply(ctx, url); err != nil {
		c.logger.Debug("policy_refresh_failed", "Policy refresh failed, keeping cached policy", map[string]interface{}{
			"url":   url,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// GetForDecision returns the cached policy without waiting for the network.
// A stale policy is still returned while a background refresh runs; a
// missing policy returns nil, which the decision engine treats as block-all.
func (c *PolicyCache) GetForDecision(ctx context.Context) (*policy.Policy, error) {
	cached, err := c.settings.CachedPolicy(ctx)
	if err != nil {
		c.RefreshAsync()
		return nil, err
	}

	if cached.Policy == nil {
		c.RefreshAsync()
		return nil, nil
	}

	if c.IsStale(cached) {
		c.RefreshAsync()
	}
	return cached.Policy, nil
}

// IsStale reports whether cached has outlived its ttl_seconds
func (c *PolicyCache) IsStale(cached store.CachedPolicy) bool {
	if cached.Policy == nil || !cached.Policy.HasTTL() {
		return false
	}
	age := float64(c.now().Unix() - cached.FetchedAt)
	return age >= *cached.Policy.TTLSeconds
}

// RunPeriodic refreshes immediately and then every interval until ctx is done
func (c *PolicyCache) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	c.RefreshAsync()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RefreshAsync()
		}
	}
}
