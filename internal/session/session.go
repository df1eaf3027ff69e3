// Package session decides, per progress update, whether to push to the
// remote service immediately or to hold the update until the reading
// session settles. Held updates live in the book cache and are flushed by
// the expiry scan at the end of a run.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/progress"
)

// Session timing defaults and the change floor below which an update is
// not worth an immediate remote call.
const (
	DefaultTimeout  = 15 * time.Minute
	DefaultMaxDelay = time.Hour

	// SignificantSessionChange is the percentage delta that always syncs
	// immediately, session or not.
	SignificantSessionChange = 5.0
)

// milestones always sync immediately when crossed upward.
var milestones = [...]float64{25, 50, 75, 90, 95, 100}

// Config tunes the session gate. Zero durations fall back to the package
// defaults. Timeout must stay below MaxDelay; config validation owns that
// rule.
type Config struct {
	Enabled             bool
	Timeout             time.Duration
	MaxDelay            time.Duration
	ImmediateCompletion bool
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// Manager is the per-update session gate.
type Manager struct {
	cfg    Config
	cache  *cache.BookCache
	engine *progress.Engine
	log    *logger.Logger
}

// New builds a session manager. A nil cache disables session tracking
// since there is nowhere to hold pending updates.
func New(cfg Config, bookCache *cache.BookCache, engine *progress.Engine, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Get()
	}
	if engine == nil {
		engine = progress.NewEngine(progress.Config{}, log)
	}
	cfg = cfg.withDefaults()
	if bookCache == nil {
		cfg.Enabled = false
	}
	return &Manager{cfg: cfg, cache: bookCache, engine: engine, log: log}
}

// Timeout returns the configured session timeout.
func (m *Manager) Timeout() time.Duration {
	return m.cfg.Timeout
}

// Enabled reports whether updates can be delayed at all.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// ShouldDelay is the session gate for one progress update. Rules apply in
// order: sessions off, completions with immediate_completion set, a last
// sync older than the max delay, a change of at least 5 percent against the
// pending-or-cached baseline, and upward milestone crossings all sync now.
// Everything else is stored as pending and delayed.
func (m *Manager) ShouldDelay(ctx context.Context, userID string, id models.Identifier, title string, percent float64, opts progress.CompletionOptions) models.ProgressDecision {
	complete := m.engine.IsComplete(percent, opts)

	if !m.cfg.Enabled {
		return m.syncNow("sessions_disabled", percent, complete)
	}
	if complete && m.cfg.ImmediateCompletion {
		return m.syncNow("completion", percent, true)
	}

	mapping, err := m.cache.Get(ctx, userID, id, title)
	if err != nil {
		// The cache is an optimization; without a baseline the safe move
		// is to push the update through.
		m.log.Warn("Session baseline lookup failed, syncing immediately", map[string]interface{}{
			"user":       userID,
			"identifier": id.String(),
			"error":      err.Error(),
		})
		return m.syncNow("baseline_unavailable", percent, complete)
	}

	if mapping != nil && mapping.LastSyncedAt != nil && time.Since(*mapping.LastSyncedAt) >= m.cfg.MaxDelay {
		return m.syncNow("max_delay_exceeded", percent, complete)
	}

	baseline := 0.0
	switch {
	case mapping == nil:
	case mapping.SessionPendingProgress != nil:
		baseline = *mapping.SessionPendingProgress
	case mapping.LastProgressPercent != nil:
		baseline = *mapping.LastProgressPercent
	}

	if change := m.engine.DetectChange(baseline, percent, SignificantSessionChange); change.HasChange {
		return m.syncNow("significant_change", percent, complete)
	}
	if milestone, crossed := crossedMilestone(baseline, percent); crossed {
		m.log.Debug("Milestone crossed, syncing immediately", map[string]interface{}{
			"user":      userID,
			"milestone": milestone,
			"progress":  percent,
		})
		return m.syncNow("milestone_crossed", percent, complete)
	}

	if err := m.cache.UpdateSession(ctx, userID, id, title, percent); err != nil {
		// Failing to store the pending value and delaying anyway would
		// drop the update. Push it through instead.
		m.log.Warn("Failed to store pending session, syncing immediately", map[string]interface{}{
			"user":       userID,
			"identifier": id.String(),
			"error":      err.Error(),
		})
		return m.syncNow("session_store_failed", percent, complete)
	}

	return models.ProgressDecision{
		Action:        models.ActionDelay,
		Reason:        "delayed_until_session_expiry",
		IsCompletion:  complete,
		TargetPercent: percent,
	}
}

func (m *Manager) syncNow(reason string, percent float64, complete bool) models.ProgressDecision {
	return models.ProgressDecision{
		Action:        models.ActionSyncNow,
		Reason:        reason,
		IsCompletion:  complete,
		TargetPercent: percent,
	}
}

// SyncFunc pushes one expired session's pending progress to the remote
// service. The manager finalizes the cache row itself after a nil return,
// so implementations only perform the remote mutation and outcome
// recording.
type SyncFunc func(ctx context.Context, mapping *cache.CachedMapping, decision models.ProgressDecision) error

// ProcessExpired flushes sessions whose last update is older than the
// session timeout. Each row gets a synthetic sync-now decision; rows whose
// sync fails keep their pending progress and are retried on the next scan.
// Returns the number of sessions finalized.
func (m *Manager) ProcessExpired(ctx context.Context, userID string, fn SyncFunc) (int, error) {
	if !m.cfg.Enabled {
		return 0, nil
	}

	rows, err := m.cache.ExpiredSessions(ctx, userID, m.cfg.Timeout)
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired sessions: %w", err)
	}

	completed := 0
	for i := range rows {
		row := &rows[i]
		if row.SessionPendingProgress == nil {
			continue
		}
		final := *row.SessionPendingProgress

		decision := models.ProgressDecision{
			Action:        models.ActionSyncNow,
			Reason:        "session_expired",
			TargetPercent: final,
		}
		if err := fn(ctx, row, decision); err != nil {
			m.log.Warn("Expired session sync failed, keeping pending progress", map[string]interface{}{
				"user":       row.UserID,
				"identifier": row.Identifier().String(),
				"progress":   final,
				"error":      err.Error(),
			})
			continue
		}

		if err := m.cache.CompleteSession(ctx, row.UserID, row.Identifier(), row.TitleNorm, final); err != nil {
			m.log.Error("Failed to finalize expired session", map[string]interface{}{
				"user":       row.UserID,
				"identifier": row.Identifier().String(),
				"error":      err.Error(),
			})
			continue
		}
		completed++
	}

	if completed > 0 {
		m.log.Info("Flushed expired sessions", map[string]interface{}{
			"user":  userID,
			"count": completed,
		})
	}
	return completed, nil
}

// crossedMilestone reports the lowest milestone passed moving from before
// to after.
func crossedMilestone(before, after float64) (float64, bool) {
	for _, milestone := range milestones {
		if before < milestone && after >= milestone {
			return milestone, true
		}
	}
	return 0, false
}
