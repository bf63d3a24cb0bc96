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

var _ StoryRepository = (*pgStoryRepository)(nil)

type pgStoryRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewPgStoryRepository(db DBTX, logger *zap.Logger) StoryRepository {
	return &pgStoryRepository{
		db:     db,
		logger: logger.Named("PgStoryRepo"),
	}
}

const createStoryQuery = `
INSERT INTO stories (id, user_id, premise, audience, story_context, comic_style, is_premium, status, progress, nodes_generated, total_nodes_planned, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const getStoryByIDQuery = `
SELECT id, user_id, premise, audience, story_context, comic_style, is_premium, status, progress, nodes_generated, total_nodes_planned, error_details, created_at, updated_at
FROM stories
WHERE id = $1`

const getStoryByIDForUserQuery = getStoryByIDQuery + ` AND user_id = $2`

const updateStoryStatusQuery = `
UPDATE stories SET status = $2, error_details = $3, updated_at = NOW()
WHERE id = $1`

const updateStoryProgressQuery = `
UPDATE stories SET progress = $2, updated_at = NOW()
WHERE id = $1`

const setTotalNodesPlannedQuery = `
UPDATE stories SET total_nodes_planned = $2, updated_at = NOW()
WHERE id = $1`

// Create inserts a new story record.
func (r *pgStoryRepository) Create(ctx context.Context, story *models.Story) error {
	if story.ID == uuid.Nil {
		story.ID = uuid.New()
	}
	now := time.Now()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	story.UpdatedAt = now
	if story.Status == "" {
		story.Status = models.StatusPending
	}

	_, err := r.db.Exec(ctx, createStoryQuery,
		story.ID,
		story.UserID,
		story.Premise,
		story.Audience,
		story.StoryContext,
		story.ComicStyle,
		story.IsPremium,
		story.Status,
		story.Progress,
		story.NodesGenerated,
		story.TotalNodesPlanned,
		story.CreatedAt,
		story.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create story", zap.Error(err), zap.String("userID", story.UserID.String()))
		return fmt.Errorf("ошибка создания истории: %w", err)
	}
	r.logger.Info("Story created", zap.String("storyID", story.ID.String()), zap.String("audience", string(story.Audience)))
	return nil
}

// GetByID retrieves a story by its unique ID.
func (r *pgStoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	var story models.Story
	err := pgxscan.Get(ctx, r.db, &story, getStoryByIDQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrStoryNotFound
		}
		r.logger.Error("Failed to get story by ID", zap.Error(err), zap.String("storyID", id.String()))
		return nil, fmt.Errorf("ошибка получения истории %s: %w", id, err)
	}
	return &story, nil
}

// GetByIDForUser retrieves a story only if it belongs to the given user.
func (r *pgStoryRepository) GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Story, error) {
	var story models.Story
	err := pgxscan.Get(ctx, r.db, &story, getStoryByIDForUserQuery, id, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrStoryNotFound
		}
		r.logger.Error("Failed to get story for user", zap.Error(err), zap.String("storyID", id.String()), zap.String("userID", userID.String()))
		return nil, fmt.Errorf("ошибка получения истории %s: %w", id, err)
	}
	return &story, nil
}

// UpdateStatus sets the story status and optional error details.
func (r *pgStoryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.StoryStatus, errorDetails *string) error {
	tag, err := r.db.Exec(ctx, updateStoryStatusQuery, id, status, errorDetails)
	if err != nil {
		r.logger.Error("Failed to update story status", zap.Error(err), zap.String("storyID", id.String()), zap.String("status", string(status)))
		return fmt.Errorf("ошибка обновления статуса истории %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStoryNotFound
	}
	r.logger.Info("Story status updated", zap.String("storyID", id.String()), zap.String("status", string(status)))
	return nil
}

// UpdateProgress stores the precomputed progress percentage.
func (r *pgStoryRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	tag, err := r.db.Exec(ctx, updateStoryProgressQuery, id, progress)
	if err != nil {
		r.logger.Error("Failed to update story progress", zap.Error(err), zap.String("storyID", id.String()))
		return fmt.Errorf("ошибка обновления прогресса истории %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStoryNotFound
	}
	return nil
}

// SetTotalNodesPlanned stores the planned node count estimated by the scheduler.
func (r *pgStoryRepository) SetTotalNodesPlanned(ctx context.Context, id uuid.UUID, total int) error {
	tag, err := r.db.Exec(ctx, setTotalNodesPlannedQuery, id, total)
	if err != nil {
		r.logger.Error("Failed to set total nodes planned", zap.Error(err), zap.String("storyID", id.String()))
		return fmt.Errorf("ошибка обновления плана узлов истории %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStoryNotFound
	}
	return nil
}
