package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kora-suite/kora-access/internal/access"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditPrune trims permission audit rows past the retention window.
	TaskAuditPrune = "audit:prune"
	// TaskPermissionWarm precomputes decision maps for recently active users.
	TaskPermissionWarm = "perm:warm"
)

// AuditPrunePayload parameterises one prune run. A zero Retention falls back
// to the worker's configured default.
type AuditPrunePayload struct {
	Retention time.Duration `json:"retention"`
}

// NewAuditPruneTask constructs an Asynq task.
func NewAuditPruneTask(payload AuditPrunePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditPrune, data), nil
}

// PermissionWarmPayload selects which users and application to warm.
type PermissionWarmPayload struct {
	App   string        `json:"app"`
	Since time.Duration `json:"since"`
	Limit int           `json:"limit"`
}

// NewPermissionWarmTask constructs an Asynq task.
func NewPermissionWarmTask(payload PermissionWarmPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionWarm, data), nil
}

// AuditPruneJob deletes audit rows older than the retention window.
type AuditPruneJob struct {
	Admin            *access.AdminService
	Logger           *slog.Logger
	DefaultRetention time.Duration
}

// Handle processes TaskAuditPrune tasks.
func (j *AuditPruneJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Admin == nil {
		return errors.New("audit prune: handler not configured")
	}
	var payload AuditPrunePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := payload.Retention
	if retention <= 0 {
		retention = j.DefaultRetention
	}
	deleted, err := j.Admin.PruneAudit(ctx, retention)
	if err != nil {
		j.Logger.Error("audit prune failed", slog.Any("error", err))
		return err
	}
	j.Logger.Info("audit prune completed",
		slog.Int64("deleted", deleted),
		slog.Duration("retention", retention))
	return nil
}

// WarmRepository lists users worth warming.
type WarmRepository interface {
	RecentAuditUsers(ctx context.Context, since time.Time, limit int) ([]int64, error)
}

// PermissionWarmJob primes the decision cache for users seen recently in the
// audit trail, so the first request after a deploy does not pay the full
// database resolution cost.
type PermissionWarmJob struct {
	Engine *access.Engine
	Repo   WarmRepository
	Logger *slog.Logger
}

// Handle processes TaskPermissionWarm tasks.
func (j *PermissionWarmJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Engine == nil || j.Repo == nil {
		return errors.New("permission warm: handler not configured")
	}
	var payload PermissionWarmPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.App == "" {
		return asynq.SkipRetry
	}
	since := payload.Since
	if since <= 0 {
		since = 24 * time.Hour
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = 200
	}

	userIDs, err := j.Repo.RecentAuditUsers(ctx, time.Now().UTC().Add(-since), limit)
	if err != nil {
		return err
	}
	var warmed int
	for _, userID := range userIDs {
		principal := access.Principal{UserID: userID, Authenticated: true}
		if _, err := j.Engine.UserPermissions(ctx, principal, payload.App, nil); err != nil {
			j.Logger.Warn("permission warm skipped user",
				slog.Int64("user_id", userID), slog.Any("error", err))
			continue
		}
		warmed++
	}
	j.Logger.Info("permission warm completed",
		slog.String("app", payload.App), slog.Int("warmed", warmed))
	return nil
}
