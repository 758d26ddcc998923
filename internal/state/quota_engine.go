package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"aetherflow-syncd/internal/db"
	"aetherflow-syncd/internal/models"
)

// Tier limits. Exactly two tiers exist; selection is a pure function of
// MembershipState (see CalculateQuota).
var (
	FreeQuota = models.MembershipQuota{
		MaxPrompts:         50,
		DailyOptimizations: 3,
	}
	ProQuota = models.MembershipQuota{
		MaxPrompts:         500,
		DailyOptimizations: 100,
		CanExport:          true,
		HasPrioritySupport: true,
	}
)

// CalculateQuota maps a membership state to its tier limits. Pure: pro limits
// iff status is pro and the expiry, if any, has not passed.
func CalculateQuota(m models.MembershipState, now time.Time) models.MembershipQuota {
	if m.IsEffectivelyPro(now) {
		return ProQuota
	}
	return FreeQuota
}

// UsagePersister asynchronously persists the optimization counters. The
// production implementation enqueues to the durable outbox; failures are
// retried there, never surfaced to the caller.
type UsagePersister interface {
	PersistUsage(userID string, usage models.QuotaUsage)
}

// QuotaEngine derives quota limits from membership state and tracks per-user
// usage counters with a daily-reset policy. Usage is lazily loaded per
// authenticated user: the first access merges two independent remote reads
// (the counters document and the active-prompt count) into one cached
// QuotaUsage; concurrent callers share the in-flight load via singleflight,
// so no feature-gate decision is ever made against an uninitialized cache.
type QuotaEngine struct {
	auth        AuthStateProvider
	quotaRepo   db.QuotaRepository
	promptRepo  db.PromptRepository
	persister   UsagePersister
	broadcaster Broadcaster
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	limits   models.MembershipQuota
	usage    *models.QuotaUsage
	usageUID string

	group       singleflight.Group
	unsubscribe func()
}

// NewQuotaEngine constructs the engine and subscribes to membership changes.
func NewQuotaEngine(auth AuthStateProvider, membership MembershipSubscriber, quotaRepo db.QuotaRepository, promptRepo db.PromptRepository, persister UsagePersister, broadcaster Broadcaster, logger *zap.Logger) *QuotaEngine {
	e := &QuotaEngine{
		auth:        auth,
		quotaRepo:   quotaRepo,
		promptRepo:  promptRepo,
		persister:   persister,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
	e.limits = CalculateQuota(membership.MembershipState(), e.now())
	e.unsubscribe = membership.Subscribe(e.onMembershipChange)
	return e
}

// onMembershipChange recomputes the limits and re-keys the usage cache.
// Membership transitions always follow auth transitions in this system, so
// this callback doubles as the "check if the user changed" trigger: counters
// cached for a previous user are dropped before anything can serve them.
// Broadcasts fire only when the limits or the served usage actually changed.
func (e *QuotaEngine) onMembershipChange(m models.MembershipState) {
	uid := e.auth.AuthState().UserID
	next := CalculateQuota(m, e.now())

	e.mu.Lock()
	dropped := e.usageUID != "" && e.usageUID != uid
	if dropped {
		e.usage = nil
		e.usageUID = ""
	}
	limitsChanged := next != e.limits
	if !limitsChanged && !dropped {
		e.mu.Unlock()
		return
	}
	e.limits = next
	info := e.quotaInfoLocked()
	e.mu.Unlock()

	if dropped {
		e.logger.Debug("usage cache dropped, authenticated user changed")
	}
	if limitsChanged {
		e.logger.Info("quota limits changed",
			zap.Int("maxPrompts", next.MaxPrompts),
			zap.Int("dailyOptimizations", next.DailyOptimizations))
	}
	e.broadcaster.BroadcastQuotaState(info)
}

// CurrentQuota returns the last computed limits. Never blocks.
func (e *QuotaEngine) CurrentQuota() models.MembershipQuota {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limits
}

// FullQuotaInfo returns the limits plus the cached usage (zero usage if not
// yet loaded). Never blocks.
func (e *QuotaEngine) FullQuotaInfo() models.QuotaInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quotaInfoLocked()
}

func (e *QuotaEngine) quotaInfoLocked() models.QuotaInfo {
	info := models.QuotaInfo{Limits: e.limits}
	if e.usage != nil {
		info.Usage = *e.usage
	}
	return info
}

// CanUseFeature reports whether the feature is currently allowed. Denial is a
// normal negative outcome, not an error. The decision fails closed whenever
// usage cannot be determined, with one documented exception: anonymous
// callers default to allowed for storage.
func (e *QuotaEngine) CanUseFeature(ctx context.Context, feature models.Feature) (bool, error) {
	uid := e.auth.AuthState().UserID
	limits := e.CurrentQuota()

	if uid == "" {
		switch feature {
		case models.FeatureStorage:
			return true, nil
		case models.FeatureOptimization:
			// Checked against the free tier with zero usage; no remote
			// read is attempted for anonymous callers.
			return 0 < FreeQuota.DailyOptimizations, nil
		default:
			return false, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
		}
	}

	usage, err := e.ensureUsage(ctx, uid)
	if err != nil {
		// Fail closed on read failure.
		return false, err
	}

	switch feature {
	case models.FeatureStorage:
		return usage.StoredPromptsCount < limits.MaxPrompts, nil
	case models.FeatureOptimization:
		usage = e.applyDailyReset(uid, usage)
		return usage.DailyOptimizationCount < limits.DailyOptimizations, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
}

// IncrementUsage records one use of the feature. Storage is deliberately a
// no-op: true storage counts are only ever recomputed from the remote count,
// never locally incremented, to avoid divergence from server truth.
// Optimization optimistically updates the cache and persists asynchronously;
// a write failure does not roll back the optimistic update (fail open).
func (e *QuotaEngine) IncrementUsage(ctx context.Context, feature models.Feature) error {
	switch feature {
	case models.FeatureStorage:
		return nil
	case models.FeatureOptimization:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}

	uid := e.auth.AuthState().UserID
	if uid == "" {
		return nil
	}

	if _, err := e.ensureUsage(ctx, uid); err != nil {
		return err
	}

	e.mu.Lock()
	if e.usage == nil || e.usageUID != uid {
		e.mu.Unlock()
		return nil
	}
	e.usage.DailyOptimizationCount++
	updated := *e.usage
	e.mu.Unlock()

	e.persister.PersistUsage(uid, updated)
	return nil
}

// RefreshStoredPromptCount recomputes the active-prompt count from the
// remote store. Called after prompt writes; the count is never incremented
// locally.
func (e *QuotaEngine) RefreshStoredPromptCount(ctx context.Context) error {
	uid := e.auth.AuthState().UserID
	if uid == "" {
		return nil
	}
	if _, err := e.ensureUsage(ctx, uid); err != nil {
		return err
	}
	count, err := e.promptRepo.CountActive(ctx, uid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.usage != nil && e.usageUID == uid {
		e.usage.StoredPromptsCount = count
	}
	return nil
}

// ResetOptimizationUsage zeroes the daily counter. Idempotent: a no-op when
// the counter was already reset today.
func (e *QuotaEngine) ResetOptimizationUsage(ctx context.Context) error {
	uid := e.auth.AuthState().UserID
	if uid == "" {
		return nil
	}
	usage, err := e.ensureUsage(ctx, uid)
	if err != nil {
		return err
	}
	if usage.LastOptimizationReset != nil && !e.beforeToday(*usage.LastOptimizationReset) {
		return nil
	}
	e.applyDailyReset(uid, usage)
	return nil
}

// ensureUsage returns the cached usage for uid, loading it on first access.
// The load merges two independent reads: the counters document (defaulting to
// zero usage if absent) and the active-prompt count.
func (e *QuotaEngine) ensureUsage(ctx context.Context, uid string) (models.QuotaUsage, error) {
	e.mu.Lock()
	if e.usage != nil && e.usageUID == uid {
		u := *e.usage
		e.mu.Unlock()
		return u, nil
	}
	e.mu.Unlock()

	_, err, _ := e.group.Do(uid, func() (any, error) {
		usage, _, err := e.quotaRepo.GetUsage(ctx, uid)
		if err != nil {
			return nil, err
		}
		count, err := e.promptRepo.CountActive(ctx, uid)
		if err != nil {
			return nil, err
		}
		usage.StoredPromptsCount = count

		e.mu.Lock()
		e.usage = &usage
		e.usageUID = uid
		e.mu.Unlock()
		return usage, nil
	})
	if err != nil {
		return models.QuotaUsage{}, err
	}

	// Re-read the cache: concurrent increments during the load must not be
	// lost to a stale singleflight result.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.usage != nil && e.usageUID == uid {
		return *e.usage, nil
	}
	return models.QuotaUsage{}, ErrNotAuthenticated
}

// applyDailyReset zeroes the counter when the last reset predates the start
// of the current local day, persisting the reset asynchronously.
func (e *QuotaEngine) applyDailyReset(uid string, usage models.QuotaUsage) models.QuotaUsage {
	if usage.LastOptimizationReset != nil && !e.beforeToday(*usage.LastOptimizationReset) {
		return usage
	}

	nowMs := e.now().UnixMilli()
	e.mu.Lock()
	if e.usage == nil || e.usageUID != uid {
		e.mu.Unlock()
		return usage
	}
	e.usage.DailyOptimizationCount = 0
	e.usage.LastOptimizationReset = &nowMs
	updated := *e.usage
	e.mu.Unlock()

	e.logger.Debug("daily optimization counter reset", zap.String("userID", uid))
	e.persister.PersistUsage(uid, updated)
	return updated
}

// beforeToday reports whether the epoch-millis timestamp falls before the
// start of the current local day. Day boundaries are user-local wall-clock
// midnight, not UTC.
func (e *QuotaEngine) beforeToday(ms int64) bool {
	now := e.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return time.UnixMilli(ms).Before(startOfDay)
}

// Close releases the membership subscription.
func (e *QuotaEngine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}
