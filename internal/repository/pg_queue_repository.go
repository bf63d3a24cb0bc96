package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"fable-server/internal/models"
)

var _ QueueRepository = (*pgQueueRepository)(nil)

type pgQueueRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewPgQueueRepository(db DBTX, logger *zap.Logger) QueueRepository {
	return &pgQueueRepository{
		db:     db,
		logger: logger.Named("PgQueueRepo"),
	}
}

// Не более одной активной записи на историю: ON CONFLICT по частичному
// уникальному индексу (story_id WHERE status IN ('pending','in_progress')).
const enqueueQuery = `
INSERT INTO generation_queue (id, story_id, user_id, status, priority, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (story_id) WHERE status IN ('pending', 'in_progress') DO NOTHING`

const setQueueStatusQuery = `
UPDATE generation_queue SET status = $2, updated_at = NOW()
WHERE id = $1`

const requeueStaleQuery = `
UPDATE generation_queue
SET status = 'pending', updated_at = NOW()
WHERE status = 'in_progress' AND updated_at < $1
RETURNING id, story_id, user_id, status, priority, created_at, updated_at`

const getPendingByStoryIDQuery = `
SELECT id, story_id, user_id, status, priority, created_at, updated_at
FROM generation_queue
WHERE story_id = $1 AND status IN ('pending', 'in_progress')
ORDER BY created_at ASC
LIMIT 1`

func (r *pgQueueRepository) Enqueue(ctx context.Context, entry *models.GenerationQueueEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = models.QueuePending
	}

	tag, err := r.db.Exec(ctx, enqueueQuery,
		entry.ID, entry.StoryID, entry.UserID, entry.Status, entry.Priority, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to enqueue generation task", zap.Error(err), zap.String("storyID", entry.StoryID.String()))
		return fmt.Errorf("ошибка постановки задачи в очередь: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("Active queue entry already exists, skipping", zap.String("storyID", entry.StoryID.String()))
		return nil
	}
	r.logger.Info("Generation task enqueued", zap.String("storyID", entry.StoryID.String()))
	return nil
}

func (r *pgQueueRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.QueueStatus) error {
	tag, err := r.db.Exec(ctx, setQueueStatusQuery, id, status)
	if err != nil {
		r.logger.Error("Failed to update queue entry status", zap.Error(err), zap.String("entryID", id.String()))
		return fmt.Errorf("ошибка обновления статуса записи очереди %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// RequeueStale returns in_progress entries older than maxAge back to pending.
// Used at worker startup to recover tasks orphaned by a crash.
func (r *pgQueueRepository) RequeueStale(ctx context.Context, maxAge time.Duration) ([]*models.GenerationQueueEntry, error) {
	cutoff := time.Now().Add(-maxAge)
	var entries []*models.GenerationQueueEntry
	if err := pgxscan.Select(ctx, r.db, &entries, requeueStaleQuery, cutoff); err != nil {
		r.logger.Error("Failed to requeue stale entries", zap.Error(err))
		return nil, fmt.Errorf("ошибка возврата зависших задач в очередь: %w", err)
	}
	if len(entries) > 0 {
		r.logger.Warn("Requeued stale generation tasks", zap.Int("count", len(entries)))
	}
	return entries, nil
}

func (r *pgQueueRepository) GetPendingByStoryID(ctx context.Context, storyID uuid.UUID) (*models.GenerationQueueEntry, error) {
	var entry models.GenerationQueueEntry
	err := pgxscan.Get(ctx, r.db, &entry, getPendingByStoryIDQuery, storyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get pending queue entry", zap.Error(err), zap.String("storyID", storyID.String()))
		return nil, fmt.Errorf("ошибка получения записи очереди истории %s: %w", storyID, err)
	}
	return &entry, nil
}
