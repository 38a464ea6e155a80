package enforce

import (
	"context"
	"fmt"
	"time"

	"github.com/zezudoo/wa-download-guard/internal/logger"
	"github.com/zezudoo/wa-download-guard/internal/policy"
)

const (
	DefaultFallbackDelay  = 800 * time.Millisecond
	DefaultHandledTTL     = 5 * time.Second
	DefaultNotifyCooldown = 3 * time.Second
	notificationTitle     = "WhatsApp Download Guard"
)

// Config represents coordinator configuration
type Config struct {
	Enabled    EnabledSource
	Policies   PolicySource
	Attributor *Attributor
	Engine     *policy.Engine
	Downloads  DownloadManager
	Notifier   Notifier
	Recorder   Recorder
	Logger     *logger.Logger
	Now        func() time.Time

	FallbackDelay  time.Duration
	HandledTTL     time.Duration
	NotifyCooldown time.Duration
	// HandlerTimeout bounds a fallback handler that fires from a timer
	HandlerTimeout time.Duration
}

// Coordinator enforces the policy on browser download events. The
// filename-determination hook is primary; the creation hook only arms a
// delayed fallback. Both funnel into one idempotent handler per id.
type Coordinator struct {
	enabled    EnabledSource
	policies   PolicySource
	attributor *Attributor
	engine     *policy.Engine
	downloads  DownloadManager
	notifier   Notifier
	recorder   Recorder
	logger     *logger.Logger
	now        func() time.Time

	fallbackDelay  time.Duration
	handlerTimeout time.Duration
	ledger         *Ledger
	notices        *cooldown

	baseCtx context.Context
	stop    context.CancelFunc
}

// NewCoordinator creates a new coordinator
func NewCoordinator(config Config) *Coordinator {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Engine == nil {
		config.Engine = policy.NewEngine(nil)
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.FallbackDelay <= 0 {
		config.FallbackDelay = DefaultFallbackDelay
	}
	if config.HandledTTL <= 0 {
		config.HandledTTL = DefaultHandledTTL
	}
	if config.NotifyCooldown <= 0 {
		config.NotifyCooldown = DefaultNotifyCooldown
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = 10 * time.Second
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		enabled:        config.Enabled,
		policies:       config.Policies,
		attributor:     config.Attributor,
		engine:         config.Engine,
		downloads:      config.Downloads,
		notifier:       config.Notifier,
		recorder:       config.Recorder,
		logger:         config.Logger,
		now:            config.Now,
		fallbackDelay:  config.FallbackDelay,
		handlerTimeout: config.HandlerTimeout,
		ledger:         NewLedger(config.HandledTTL, config.Now),
		notices:        newCooldown(config.NotifyCooldown, config.Now),
		baseCtx:        ctx,
		stop:           stop,
	}
}

// Ledger exposes the handled-download ledger
func (c *Coordinator) Ledger() *Ledger {
	return c.ledger
}

// OnDeterminingFilename is the primary hook. It may fire several times for
// one download; only the first call within the ledger ttl enforces.
// It never suggests a filename.
func (c *Coordinator) OnDeterminingFilename(ctx context.Context, item DownloadItem) Result {
	c.ledger.Unschedule(item.ID)
	return c.handle(ctx, item, SourceDeterminingFilename)
}

// OnCreated is the fallback hook. It arms a delayed handler that runs only
// if the primary hook has not claimed the id by then.
func (c *Coordinator) OnCreated(ctx context.Context, item DownloadItem) Result {
	switch c.ledger.State(item.ID) {
	case StateInFlight, StateHandled:
		return Result{Outcome: OutcomeAlreadyHandled}
	}

	c.ledger.Schedule(item.ID, c.fallbackDelay, func() {
		ctx, cancel := context.WithTimeout(c.baseCtx, c.handlerTimeout)
		defer cancel()
		c.handle(ctx, item, SourceCreatedFallback)
	})
	return Result{Outcome: OutcomeScheduled}
}

// handle runs attribution, decision and enforcement at most once per id.
// Errors and panics stop at this boundary and mean "no action".
func (c *Coordinator) handle(ctx context.Context, item DownloadItem, source Source) (result Result) {
	if !c.ledger.Begin(item.ID, source) {
		return Result{Outcome: OutcomeAlreadyHandled}
	}
	defer c.ledger.Finish(item.ID)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Debug("handler_panic", "Download handler panicked", map[string]interface{}{
				"download_id": item.ID,
				"source":      string(source),
				"panic":       fmt.Sprint(r),
			})
			result = Result{Outcome: OutcomeError}
		}
	}()

	result, err := c.enforce(ctx, item, source)
	if err != nil {
		c.logger.Debug("handler_error", "Download handler failed", map[string]interface{}{
			"download_id": item.ID,
			"source":      string(source),
			"error":       err.Error(),
		})
		return Result{Outcome: OutcomeError}
	}
	return result
}

func (c *Coordinator) enforce(ctx context.Context, item DownloadItem, source Source) (Result, error) {
	result, err := c.Evaluate(ctx, item)
	if err != nil || result.Outcome != OutcomeBlocked {
		return result, err
	}

	c.cancelAndErase(ctx, item.ID)

	if c.recorder != nil {
		if err := c.recorder.RecordBlock(ctx, BlockEvent{Source: source, Item: item, Decision: *result.Decision}); err != nil {
			c.logger.Debug("audit_error", "Failed to record block", map[string]interface{}{
				"download_id": item.ID,
				"error":       err.Error(),
			})
		}
	}

	c.NotifyOnce(ctx, fmt.Sprintf("download:%d", item.ID), Notification{
		Title:      notificationTitle,
		Message:    blockedMessage(source),
		DownloadID: item.ID,
		Reason:     string(result.Decision.Reason),
	})

	c.logger.LogDownloadDecision(logger.DownloadDecision{
		Source:     string(source),
		DownloadID: item.ID,
		URL:        item.EffectiveURL(),
		Filename:   item.Filename,
		Ext:        result.Decision.Ext,
		MIME:       result.Decision.MIME,
		Allow:      false,
		Reason:     string(result.Decision.Reason),
	})
	return result, nil
}

// Evaluate checks the kill switch, attribution and policy for item without
// touching the ledger or the download manager.
func (c *Coordinator) Evaluate(ctx context.Context, item DownloadItem) (Result, error) {
	enabled, err := c.enabled.Enabled(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read enabled flag: %w", err)
	}
	if !enabled {
		return Result{Outcome: OutcomeDisabled}, nil
	}

	if !c.attributor.IsFromTarget(item) {
		return Result{Outcome: OutcomeNotAttributed}, nil
	}

	p, err := c.policies.GetForDecision(ctx)
	if err != nil {
		// an unreadable cache is the same as no policy: block
		c.logger.Debug("policy_read_error", "Deciding without policy", map[string]interface{}{
			"error": err.Error(),
		})
		p = nil
	}

	decision := c.engine.Decide(p, policy.Input{
		URL:      item.EffectiveURL(),
		Filename: item.Filename,
		MIME:     item.MIME,
	})

	outcome := OutcomeAllowed
	if decision.ShouldBlock() {
		outcome = OutcomeBlocked
	}
	return Result{Outcome: outcome, Decision: &decision}, nil
}

func (c *Coordinator) cancelAndErase(ctx context.Context, id int64) {
	if err := c.downloads.Cancel(ctx, id); err != nil {
		c.logger.Debug("cancel_error", "Failed to cancel download", map[string]interface{}{
			"download_id": id,
			"error":       err.Error(),
		})
	}
	if err := c.downloads.Erase(ctx, id); err != nil {
		c.logger.Debug("erase_error", "Failed to erase download", map[string]interface{}{
			"download_id": id,
			"error":       err.Error(),
		})
	}
}

// NotifyOnce sends n unless a notification with the same key was sent
// within the cooldown window.
func (c *Coordinator) NotifyOnce(ctx context.Context, key string, n Notification) bool {
	if c.notifier == nil || !c.notices.allow(key) {
		return false
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.logger.Debug("notify_error", "Failed to send notification", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	return true
}

// Sweep expires old ledger and cooldown entries
func (c *Coordinator) Sweep() {
	c.ledger.Sweep()
	c.notices.sweep()
}

// RunSweeper calls Sweep every interval until ctx is done
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Close cancels pending fallbacks and waits for running ones
func (c *Coordinator) Close() {
	c.ledger.StopAll()
	c.stop()
	c.ledger.Wait()
}

func blockedMessage(source Source) string {
	if source == SourceCreatedFallback {
		return "WhatsApp download blocked by policy (fallback)."
	}
	return "WhatsApp download blocked by policy."
}
